// Package channel defines the delivery transport contract and its four
// implementations: push, chat, email and socket.
package channel

import (
	"context"
	"fmt"

	"github.com/ampynjord/MedAlert/internal/alert"
)

// Content is a rendered, channel-ready notification payload.
type Content struct {
	AlertID   string         `json:"alert_id"`
	AlertType alert.Type     `json:"alert_type"`
	Priority  alert.Priority `json:"priority"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Zone      string         `json:"zone,omitempty"`
	Icon      string         `json:"icon,omitempty"`
	Color     string         `json:"color,omitempty"`
	Urgency   string         `json:"urgency,omitempty"`
}

// SendOptions address a single delivery. An empty RecipientID means
// broadcast.
type SendOptions struct {
	RecipientID string
	Priority    alert.Priority
}

// DeliveryResult is the transient outcome of one send call.
type DeliveryResult struct {
	Channel           alert.Channel
	Success           bool
	ProviderMessageID string
}

// Health is a channel's self-reported state.
type Health struct {
	Active bool             `json:"active"`
	Detail string           `json:"detail,omitempty"`
	Stats  map[string]int64 `json:"stats,omitempty"`
}

// Channel is the uniform transport contract. Implementations must be
// safe for concurrent Send calls.
type Channel interface {
	ID() alert.Channel
	Initialize(ctx context.Context) error
	Send(ctx context.Context, content Content, opts SendOptions) (DeliveryResult, error)
	HealthCheck(ctx context.Context) Health
}

// Registry is the process-wide channel set: filled once at startup,
// immutable afterwards.
type Registry struct {
	channels map[alert.Channel]Channel
	order    []alert.Channel
}

func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{channels: make(map[alert.Channel]Channel, len(chs))}
	for _, ch := range chs {
		if ch == nil {
			continue
		}
		id := ch.ID()
		if _, dup := r.channels[id]; dup {
			continue
		}
		r.channels[id] = ch
		r.order = append(r.order, id)
	}
	return r
}

func (r *Registry) Get(id alert.Channel) (Channel, bool) {
	ch, ok := r.channels[id]
	return ch, ok
}

// IDs lists registered channels in registration order.
func (r *Registry) IDs() []alert.Channel {
	out := make([]alert.Channel, len(r.order))
	copy(out, r.order)
	return out
}

// InitializeAll initializes every registered channel, stopping at the
// first failure.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, id := range r.order {
		if err := r.channels[id].Initialize(ctx); err != nil {
			return fmt.Errorf("initialize channel %s: %w", id, err)
		}
	}
	return nil
}

// Health gathers every channel's health report.
func (r *Registry) Health(ctx context.Context) map[alert.Channel]Health {
	out := make(map[alert.Channel]Health, len(r.order))
	for _, id := range r.order {
		out[id] = r.channels[id].HealthCheck(ctx)
	}
	return out
}
