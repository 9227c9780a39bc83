package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ampynjord/MedAlert/internal/alert"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// SocketConfig configures the realtime websocket feed.
type SocketConfig struct {
	SendBuffer   int           // per-client queue; default 32
	WriteTimeout time.Duration // default 5s
	PingInterval time.Duration // default 30s
	Log          logx.Logger
}

// SocketChannel is a websocket hub. Clients connect via Handler()
// (optionally identified by a user_id query parameter) and receive
// notification frames. Slow clients are disconnected rather than
// allowed to block delivery.
type SocketChannel struct {
	cfg      SocketConfig
	log      logx.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*socketClient]struct{}
	byUser  map[string]map[*socketClient]struct{}
	closed  bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

type socketClient struct {
	hub    *SocketChannel
	conn   *websocket.Conn
	userID string
	send   chan []byte
	once   sync.Once
}

func NewSocket(cfg SocketConfig) *SocketChannel {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SocketChannel{
		cfg:     cfg,
		log:     log,
		clients: map[*socketClient]struct{}{},
		byUser:  map[string]map[*socketClient]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is same-deployment only; the surrounding HTTP
			// layer owns origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *SocketChannel) ID() alert.Channel { return alert.ChannelSocket }

func (s *SocketChannel) Initialize(_ context.Context) error { return nil }

// Handler upgrades HTTP requests to websocket connections.
func (s *SocketChannel) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("socket upgrade failed", logx.Err(err))
			return
		}
		c := &socketClient{
			hub:    s,
			conn:   conn,
			userID: r.URL.Query().Get("user_id"),
			send:   make(chan []byte, s.cfg.SendBuffer),
		}
		if !s.register(c) {
			_ = conn.Close()
			return
		}
		go c.writePump()
		go c.readPump()
	})
}

func (s *SocketChannel) register(c *socketClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	if c.userID != "" {
		set, ok := s.byUser[c.userID]
		if !ok {
			set = map[*socketClient]struct{}{}
			s.byUser[c.userID] = set
		}
		set[c] = struct{}{}
	}
	s.log.Debug("socket client connected",
		logx.String("user_id", c.userID), logx.Int("clients", len(s.clients)))
	return true
}

func (s *SocketChannel) unregister(c *socketClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		if c.userID != "" {
			if set, ok := s.byUser[c.userID]; ok {
				delete(set, c)
				if len(set) == 0 {
					delete(s.byUser, c.userID)
				}
			}
		}
	}
	s.mu.Unlock()
	c.close()
}

func (c *socketClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump drains inbound frames so pings/pongs and close frames are
// processed; the feed itself is one-way.
func (c *socketClient) readPump() {
	defer c.hub.unregister(c)
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type socketFrame struct {
	Kind    string  `json:"kind"`
	Content Content `json:"content"`
}

func (s *SocketChannel) Send(ctx context.Context, content Content, opts SendOptions) (DeliveryResult, error) {
	res := DeliveryResult{Channel: alert.ChannelSocket}
	if err := ctx.Err(); err != nil {
		s.failed.Add(1)
		return res, err
	}

	msg, err := json.Marshal(socketFrame{Kind: "notification", Content: content})
	if err != nil {
		s.failed.Add(1)
		return res, err
	}

	s.mu.RLock()
	var targets []*socketClient
	if opts.RecipientID == "" {
		targets = make([]*socketClient, 0, len(s.clients))
		for c := range s.clients {
			targets = append(targets, c)
		}
	} else {
		for c := range s.byUser[opts.RecipientID] {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	if opts.RecipientID != "" && len(targets) == 0 {
		s.failed.Add(1)
		return res, fmt.Errorf("socket: recipient %q not connected", opts.RecipientID)
	}

	for _, c := range targets {
		// A client may be unregistered (and its queue closed) between the
		// snapshot and the enqueue; the recover absorbs that send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case c.send <- msg:
			default:
				// Queue full: the client is too slow to keep the feed live.
				s.dropped.Add(1)
				s.unregister(c)
			}
		}()
	}

	res.Success = true
	s.sent.Add(1)
	return res, nil
}

func (s *SocketChannel) HealthCheck(_ context.Context) Health {
	s.mu.RLock()
	n := len(s.clients)
	closed := s.closed
	s.mu.RUnlock()
	return Health{
		Active: !closed,
		Stats: map[string]int64{
			"clients": int64(n),
			"sent":    s.sent.Load(),
			"failed":  s.failed.Load(),
			"dropped": s.dropped.Load(),
		},
	}
}

// Shutdown disconnects all clients and refuses new ones.
func (s *SocketChannel) Shutdown() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*socketClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.unregister(c)
	}
}
