// Package dispatch coordinates one alert's journey: priority
// evaluation, per-recipient preference filtering, rendering and
// enqueueing onto the delivery queue.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ampynjord/MedAlert/internal/alert"
	"github.com/ampynjord/MedAlert/internal/channel"
	"github.com/ampynjord/MedAlert/internal/prefs"
	"github.com/ampynjord/MedAlert/internal/priority"
	"github.com/ampynjord/MedAlert/internal/queue"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// Windows for the dispatch history fed into priority evaluation.
const (
	similarWindow      = 10 * time.Minute
	simultaneousWindow = 5 * time.Minute
)

// Request shapes one dispatch. Zero-value fields mean: evaluate
// priority, resolve channels from preferences (or broadcast when no
// recipient is named).
type Request struct {
	// Priority skips engine evaluation when set.
	Priority *alert.Priority
	// Channels skips channel resolution when non-empty.
	Channels []alert.Channel
	// RecipientID targets one user; empty means broadcast.
	RecipientID string

	RequesterRole string
	RequesterZone string
}

// ChannelResult is the first-attempt outcome of one enqueued delivery.
// Delivered false with a nil Err means the job is still retrying.
type ChannelResult struct {
	Channel   alert.Channel
	JobID     string
	Enqueued  bool
	Delivered bool
	Attempts  int
	Err       error
}

// Result summarizes a dispatch. Partial channel failure is a normal
// outcome, not an error.
type Result struct {
	AlertID  string
	Priority alert.Priority
	Channels []ChannelResult
	// Err is set by DispatchBulk when one recipient's dispatch is
	// rejected.
	Err error
}

// Delivered reports whether at least one channel confirmed delivery on
// the first attempt.
func (r Result) Delivered() bool {
	for _, c := range r.Channels {
		if c.Delivered {
			return true
		}
	}
	return false
}

type recentAlert struct {
	id   string
	typ  alert.Type
	zone string
	at   time.Time
}

// Orchestrator is the dispatch entry point.
type Orchestrator struct {
	engine   *priority.Engine
	filter   *prefs.Filter
	queue    *queue.Service
	registry *channel.Registry
	renderer Renderer
	log      logx.Logger
	clock    func() time.Time

	mu     sync.Mutex
	recent []recentAlert
}

type Option func(*Orchestrator)

func WithRenderer(r Renderer) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.renderer = r
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New wires the orchestrator. filter may be nil; recipient resolution
// then delivers on every registered channel.
func New(engine *priority.Engine, filter *prefs.Filter, q *queue.Service, reg *channel.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   engine,
		filter:   filter,
		queue:    q,
		registry: reg,
		renderer: NewRenderer(),
		log:      logx.Nop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch validates, prioritizes and enqueues one alert, then waits
// for each job's first attempt. Only rejection before enqueueing (an
// invalid alert) returns an error.
func (o *Orchestrator) Dispatch(ctx context.Context, a *alert.Alert, req Request) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}
	now := o.clock()
	if a.CreatedAt.IsZero() {
		// The caller's alert stays untouched; default on a copy.
		cp := *a
		cp.CreatedAt = now
		a = &cp
	}

	pctx := o.observe(a, req, now)
	prio := o.engine.Evaluate(a, pctx)
	if req.Priority != nil && req.Priority.Valid() {
		prio = *req.Priority
	}

	channels := o.resolveChannels(ctx, a, req, prio, now)
	res := Result{AlertID: a.ID, Priority: prio}
	if len(channels) == 0 {
		o.log.Debug("alert filtered out on every channel",
			logx.String("alert_id", a.ID),
			logx.String("recipient", req.RecipientID))
		return res, nil
	}

	content := o.renderer.Render(a, prio)

	type pending struct {
		ch     alert.Channel
		ticket *queue.Ticket
	}
	var tickets []pending
	for _, ch := range channels {
		t, err := o.queue.Enqueue(ctx, a.ID, a.Type, ch, req.RecipientID, prio, content)
		if err != nil {
			res.Channels = append(res.Channels, ChannelResult{Channel: ch, Err: err})
			continue
		}
		tickets = append(tickets, pending{ch: ch, ticket: t})
	}

	for _, p := range tickets {
		cr := ChannelResult{Channel: p.ch, JobID: p.ticket.JobID(), Enqueued: true}
		out, err := p.ticket.Wait(ctx)
		if err != nil {
			cr.Err = err
		} else {
			cr.Attempts = out.Attempts
			cr.Delivered = out.Terminal && out.Err == nil
			if out.Terminal && out.Err != nil {
				cr.Err = out.Err
			}
		}
		res.Channels = append(res.Channels, cr)
	}

	o.log.Info("alert dispatched",
		logx.String("alert_id", a.ID),
		logx.String("type", string(a.Type)),
		logx.String("priority", prio.String()),
		logx.Int("channels", len(channels)),
		logx.Bool("delivered", res.Delivered()))
	return res, nil
}

// DispatchBulk dispatches one alert to each recipient in turn. The
// alert is validated once up front; per-recipient problems land in that
// recipient's Result instead of aborting the batch.
func (o *Orchestrator) DispatchBulk(ctx context.Context, a *alert.Alert, recipients []string, req Request) ([]Result, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(recipients))
	for _, rid := range recipients {
		r := req
		r.RecipientID = rid
		res, err := o.Dispatch(ctx, a, r)
		if err != nil {
			res.Err = err
			res.AlertID = a.ID
		}
		results = append(results, res)
	}
	return results, nil
}

// observe records the alert in the dispatch history and derives the
// priority context from it. Each alert ID is recorded at most once and
// never counts against itself, so a fan-out to many recipients keeps
// the context stable.
func (o *Orchestrator) observe(a *alert.Alert, req Request, now time.Time) priority.Context {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := now.Add(-similarWindow)
	kept := o.recent[:0]
	for _, r := range o.recent {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	o.recent = kept

	var similar, inZone int
	var seen bool
	simCutoff := now.Add(-simultaneousWindow)
	for _, r := range o.recent {
		if r.id == a.ID {
			seen = true
			continue
		}
		if r.typ == a.Type {
			similar++
		}
		if a.Zone != "" && r.zone == a.Zone && r.at.After(simCutoff) {
			inZone++
		}
	}
	if !seen {
		o.recent = append(o.recent, recentAlert{id: a.ID, typ: a.Type, zone: a.Zone, at: now})
	}

	return priority.Context{
		RecentSimilarAlerts:      similar,
		SimultaneousAlertsInZone: inZone,
		RequesterRole:            req.RequesterRole,
		RequesterZone:            req.RequesterZone,
		Now:                      now,
	}
}

func (o *Orchestrator) resolveChannels(ctx context.Context, a *alert.Alert, req Request, prio alert.Priority, now time.Time) []alert.Channel {
	if len(req.Channels) > 0 {
		return req.Channels
	}
	registered := o.registry.IDs()
	if req.RecipientID == "" || o.filter == nil {
		return registered
	}
	var out []alert.Channel
	for _, ch := range registered {
		if o.filter.ShouldDeliver(ctx, req.RecipientID, a, ch, prio, now) {
			out = append(out, ch)
		}
	}
	return out
}
