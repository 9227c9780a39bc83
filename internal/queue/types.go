package queue

import (
	"context"
	"time"

	"github.com/ampynjord/MedAlert/internal/alert"
	"github.com/ampynjord/MedAlert/internal/channel"
)

// Options configures the retry queue. Zero fields take the documented
// defaults.
type Options struct {
	BatchSize         int           // jobs claimed per poll cycle; default 10
	Parallelism       int           // concurrent sends per cycle; default 4
	PollInterval      time.Duration // default 2s
	MaxProcessingTime time.Duration // per-attempt send budget; default 30s
	ReaperInterval    time.Duration // default 1m
	ReaperGrace       time.Duration // slack beyond MaxProcessingTime; default 5m
	RetryDelays       []time.Duration
	MaxAttempts       int           // default 3
	ShutdownGrace     time.Duration // default 10s
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxProcessingTime <= 0 {
		o.MaxProcessingTime = 30 * time.Second
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = time.Minute
	}
	if o.ReaperGrace <= 0 {
		o.ReaperGrace = 5 * time.Minute
	}
	if len(o.RetryDelays) == 0 {
		o.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	return o
}

// RetryDelay returns the backoff before retry k (1-based failure count).
// Past the end of the list the last entry repeats.
func (o Options) RetryDelay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	if k > len(o.RetryDelays) {
		k = len(o.RetryDelays)
	}
	return o.RetryDelays[k-1]
}

// Outcome is the result of a job's first processed attempt, delivered to
// the enqueuer through its Ticket.
type Outcome struct {
	JobID       string
	AlertID     string
	RecipientID string
	Channel     alert.Channel
	Result      channel.DeliveryResult
	Err         error
	Attempts    int
	// Terminal is set when the job reached a final state on this attempt.
	Terminal bool
}

// Ticket resolves with the job's first attempt outcome.
type Ticket struct {
	jobID string
	ch    chan Outcome
}

func (t *Ticket) JobID() string { return t.jobID }

// Wait blocks until the first attempt settles or ctx expires.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{JobID: t.jobID}, ctx.Err()
	case o := <-t.ch:
		return o, nil
	}
}

// DeliveryEvent is the bus payload for notification_sent and
// notification_failed.
type DeliveryEvent struct {
	JobID       string         `json:"job_id"`
	AlertID     string         `json:"alert_id"`
	AlertType   alert.Type     `json:"alert_type"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Channel     alert.Channel  `json:"channel"`
	Priority    alert.Priority `json:"priority"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Depth      int       `json:"depth"`
	Active     int       `json:"active"`
	Processed  uint64    `json:"processed"`
	Sent       uint64    `json:"sent"`
	Retried    uint64    `json:"retried"`
	Failed     uint64    `json:"failed"`
	Reaped     uint64    `json:"reaped"`
	LastPollAt time.Time `json:"last_poll_at"`
}
