package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ampynjord/MedAlert/internal/alert"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// PushConfig configures the push transport. Subscription handling
// (VAPID keys, endpoints per device) lives behind the gateway; this
// client only talks to the gateway's dispatch API.
type PushConfig struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	RatePerSec int
	Burst      int
	Log        logx.Logger
}

type pushChannel struct {
	cfg     PushConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func NewPush(cfg PushConfig) Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &pushChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

func (p *pushChannel) ID() alert.Channel { return alert.ChannelPush }

func (p *pushChannel) Initialize(_ context.Context) error {
	if strings.TrimSpace(p.cfg.Endpoint) == "" {
		return fmt.Errorf("push: endpoint not configured")
	}
	return nil
}

type pushRequest struct {
	Recipient string  `json:"recipient,omitempty"`
	Broadcast bool    `json:"broadcast,omitempty"`
	Content   Content `json:"content"`
}

type pushResponse struct {
	ID string `json:"id"`
}

func (p *pushChannel) Send(ctx context.Context, content Content, opts SendOptions) (DeliveryResult, error) {
	res := DeliveryResult{Channel: alert.ChannelPush}

	if err := p.limiter.Wait(ctx); err != nil {
		p.failed.Add(1)
		return res, fmt.Errorf("push: rate wait: %w", err)
	}

	body, err := json.Marshal(pushRequest{
		Recipient: opts.RecipientID,
		Broadcast: opts.RecipientID == "",
		Content:   content,
	})
	if err != nil {
		p.failed.Add(1)
		return res, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		p.failed.Add(1)
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.failed.Add(1)
		return res, fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.failed.Add(1)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return res, fmt.Errorf("push: gateway returned %s", resp.Status)
	}

	var pr pushResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&pr); err == nil {
		res.ProviderMessageID = pr.ID
	}
	res.Success = true
	p.sent.Add(1)
	return res, nil
}

func (p *pushChannel) HealthCheck(_ context.Context) Health {
	return Health{
		Active: strings.TrimSpace(p.cfg.Endpoint) != "",
		Stats: map[string]int64{
			"sent":   p.sent.Load(),
			"failed": p.failed.Load(),
		},
	}
}
