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

// ChatConfig configures the chat-webhook transport.
type ChatConfig struct {
	WebhookURL string
	Username   string
	Timeout    time.Duration
	RatePerSec int
	Log        logx.Logger
}

type chatChannel struct {
	cfg     ChatConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func NewChat(cfg ChatConfig) Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &chatChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

func (c *chatChannel) ID() alert.Channel { return alert.ChannelChat }

func (c *chatChannel) Initialize(_ context.Context) error {
	if strings.TrimSpace(c.cfg.WebhookURL) == "" {
		return fmt.Errorf("chat: webhook url not configured")
	}
	return nil
}

// Webhook embed shape shared by the common chat platforms.
type chatEmbed struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Color       string           `json:"color,omitempty"`
	Fields      []chatEmbedField `json:"fields,omitempty"`
	Timestamp   string           `json:"timestamp"`
}

type chatEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type chatPayload struct {
	Username string      `json:"username,omitempty"`
	Content  string      `json:"content,omitempty"`
	Embeds   []chatEmbed `json:"embeds"`
}

func (c *chatChannel) Send(ctx context.Context, content Content, opts SendOptions) (DeliveryResult, error) {
	res := DeliveryResult{Channel: alert.ChannelChat}

	if err := c.limiter.Wait(ctx); err != nil {
		c.failed.Add(1)
		return res, fmt.Errorf("chat: rate wait: %w", err)
	}

	embed := chatEmbed{
		Title:       content.Icon + " " + content.Title,
		Description: content.Body,
		Color:       content.Color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if content.Zone != "" {
		embed.Fields = append(embed.Fields, chatEmbedField{Name: "Zone", Value: content.Zone, Inline: true})
	}
	embed.Fields = append(embed.Fields, chatEmbedField{Name: "Priority", Value: content.Priority.String(), Inline: true})

	payload := chatPayload{Username: c.cfg.Username, Embeds: []chatEmbed{embed}}
	if content.Urgency == "immediate" {
		payload.Content = "@here " + content.Title
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.failed.Add(1)
		return res, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		c.failed.Add(1)
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.failed.Add(1)
		return res, fmt.Errorf("chat: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusTooManyRequests {
		c.failed.Add(1)
		return res, fmt.Errorf("chat: webhook rate limited (retry-after %s)", resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.failed.Add(1)
		return res, fmt.Errorf("chat: webhook returned %s", resp.Status)
	}

	res.Success = true
	res.ProviderMessageID = resp.Header.Get("X-Message-Id")
	c.sent.Add(1)
	return res, nil
}

func (c *chatChannel) HealthCheck(_ context.Context) Health {
	return Health{
		Active: strings.TrimSpace(c.cfg.WebhookURL) != "",
		Stats: map[string]int64{
			"sent":   c.sent.Load(),
			"failed": c.failed.Load(),
		},
	}
}
