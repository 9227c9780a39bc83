// Package queue implements the durable retry queue that drives all
// channel deliveries: claim-based scheduling, bounded backoff, orphan
// recovery and terminal history.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ampynjord/MedAlert/internal/alert"
	"github.com/ampynjord/MedAlert/internal/channel"
	"github.com/ampynjord/MedAlert/internal/eventbus"
	"github.com/ampynjord/MedAlert/internal/storage"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// Service owns the poll loop and the reaper. The jobs table is the
// single source of truth for job state; this service only moves jobs
// through it.
type Service struct {
	store storage.Store
	reg   *channel.Registry
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options
	clock func() time.Time

	mu      sync.Mutex
	waiters map[string]chan Outcome

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool

	active    atomic.Int64
	processed atomic.Uint64
	sent      atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	reaped    atomic.Uint64
	lastPoll  atomic.Int64 // unix milli
}

type ServiceOption func(*Service)

func WithLogger(log logx.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(store storage.Store, reg *channel.Registry, bus eventbus.Bus, opts Options, sopts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		reg:     reg,
		bus:     bus,
		log:     logx.Nop(),
		opts:    opts.withDefaults(),
		clock:   time.Now,
		waiters: map[string]chan Outcome{},
		stopCh:  make(chan struct{}),
	}
	for _, o := range sopts {
		o(s)
	}
	return s
}

// orphanDeadline is the single cutoff used by both the startup sweep
// and the periodic reaper: a job claimed before it is abandoned.
func (s *Service) orphanDeadline(now time.Time) time.Time {
	return now.Add(-(s.opts.MaxProcessingTime + s.opts.ReaperGrace))
}

// Start recovers orphans from a previous run, then launches the poll
// loop and the reaper.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("queue already started")
	}

	n, err := s.store.ReapStuck(ctx, s.orphanDeadline(s.clock()))
	if err != nil {
		return fmt.Errorf("startup orphan sweep: %w", err)
	}
	if n > 0 {
		s.reaped.Add(uint64(n))
		s.log.Warn("recovered orphaned jobs from previous run", logx.Int("count", n))
	}

	s.wg.Add(2)
	go s.pollLoop()
	go s.reaperLoop()

	s.log.Info("queue started",
		logx.Int("batch_size", s.opts.BatchSize),
		logx.Int("parallelism", s.opts.Parallelism),
		logx.Duration("poll_interval", s.opts.PollInterval))
	return nil
}

// Stop waits for in-flight jobs up to the shutdown grace, then abandons
// the rest; the next Start sweeps them back to pending.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		s.log.Info("queue drained")
		return nil
	case <-grace.C:
		s.log.Warn("queue shutdown grace expired; abandoning in-flight jobs",
			logx.Int64("active", s.active.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue persists a delivery job and returns a ticket that resolves
// with the first attempt's outcome.
func (s *Service) Enqueue(ctx context.Context, alertID string, alertType alert.Type, ch alert.Channel, recipientID string, priority alert.Priority, content channel.Content) (*Ticket, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	job := storage.Job{
		ID:          uuid.NewString(),
		AlertID:     alertID,
		RecipientID: recipientID,
		Channel:     string(ch),
		Priority:    int(priority),
		Payload:     payload,
		Status:      storage.JobPending,
		MaxAttempts: s.opts.MaxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
	}

	t := &Ticket{jobID: job.ID, ch: make(chan Outcome, 1)}
	s.mu.Lock()
	s.waiters[job.ID] = t.ch
	s.mu.Unlock()

	if err := s.store.InsertJob(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.waiters, job.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.log.Debug("job enqueued",
		logx.String("job_id", job.ID),
		logx.String("alert_id", alertID),
		logx.String("channel", string(ch)),
		logx.String("priority", priority.String()))
	return t, nil
}

func (s *Service) settle(jobID string, o Outcome) {
	s.mu.Lock()
	ch, ok := s.waiters[jobID]
	if ok {
		delete(s.waiters, jobID)
	}
	s.mu.Unlock()
	if ok {
		ch <- o // buffered, never blocks
	}
}

func (s *Service) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// The loop is single-threaded: a slow drain simply absorbs
			// the ticks that fired during it, so cycles never overlap.
			s.drainOnce()
		}
	}
}

// drainOnce claims one batch of due jobs and processes it to completion.
func (s *Service) drainOnce() {
	now := s.clock()
	s.lastPoll.Store(now.UnixMilli())

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PollInterval)
	jobs, err := s.store.ClaimDue(ctx, now, s.opts.BatchSize)
	cancel()
	if err != nil {
		s.log.Error("claim cycle failed", logx.Err(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, s.opts.Parallelism)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j storage.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			s.active.Add(1)
			defer s.active.Add(-1)
			s.process(j)
		}(job)
	}
	wg.Wait()
}

// process runs one claimed attempt and turns its result into a state
// transition. It never panics the loop: every failure is classified.
func (s *Service) process(job storage.Job) {
	s.processed.Add(1)

	impl, registered := s.reg.Get(alert.Channel(job.Channel))
	if !registered {
		s.finishFailed(job, fmt.Errorf("%w: %s", ErrChannelUnavailable, job.Channel))
		return
	}

	var content channel.Content
	if err := json.Unmarshal(job.Payload, &content); err != nil {
		s.finishFailed(job, fmt.Errorf("undeliverable payload: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MaxProcessingTime)
	res, err := impl.Send(ctx, content, channel.SendOptions{
		RecipientID: job.RecipientID,
		Priority:    alert.Priority(job.Priority),
	})
	cancel()

	if err == nil {
		s.finishSent(job, res)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, s.opts.MaxProcessingTime, err)
	} else {
		err = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if job.Attempts >= job.MaxAttempts {
		s.finishFailed(job, fmt.Errorf("%w after %d attempts: %v", ErrExhaustedRetries, job.Attempts, err))
		return
	}
	s.reschedule(job, err)
}

func (s *Service) finishSent(job storage.Job, res channel.DeliveryResult) {
	s.sent.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.AppendDelivery(ctx, storage.DeliveryRecord{
		JobID: job.ID, AlertID: job.AlertID, RecipientID: job.RecipientID,
		Channel: job.Channel, Priority: job.Priority,
		Status: storage.JobSent, Attempts: job.Attempts,
		ProviderMessageID: res.ProviderMessageID, At: s.clock(),
	}); err != nil {
		s.log.Error("history append failed", logx.String("job_id", job.ID), logx.Err(err))
	}
	if err := s.store.DeleteJob(ctx, job.ID); err != nil {
		s.log.Error("job cleanup failed", logx.String("job_id", job.ID), logx.Err(err))
	}

	ev := s.deliveryEvent(job, "")
	s.publish(eventbus.EventNotificationSent, ev)
	s.settle(job.ID, Outcome{
		JobID: job.ID, AlertID: job.AlertID, RecipientID: job.RecipientID,
		Channel: alert.Channel(job.Channel), Result: res,
		Attempts: job.Attempts, Terminal: true,
	})

	s.log.Debug("job sent",
		logx.String("job_id", job.ID),
		logx.String("channel", job.Channel),
		logx.Int("attempts", job.Attempts))
}

func (s *Service) finishFailed(job storage.Job, cause error) {
	s.failed.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.AppendDelivery(ctx, storage.DeliveryRecord{
		JobID: job.ID, AlertID: job.AlertID, RecipientID: job.RecipientID,
		Channel: job.Channel, Priority: job.Priority,
		Status: storage.JobFailed, Attempts: job.Attempts,
		Error: cause.Error(), At: s.clock(),
	}); err != nil {
		s.log.Error("history append failed", logx.String("job_id", job.ID), logx.Err(err))
	}
	if err := s.store.DeleteJob(ctx, job.ID); err != nil {
		s.log.Error("job cleanup failed", logx.String("job_id", job.ID), logx.Err(err))
	}

	ev := s.deliveryEvent(job, cause.Error())
	s.publish(eventbus.EventNotificationFailed, ev)
	s.settle(job.ID, Outcome{
		JobID: job.ID, AlertID: job.AlertID, RecipientID: job.RecipientID,
		Channel: alert.Channel(job.Channel), Err: cause,
		Attempts: job.Attempts, Terminal: true,
	})

	s.log.Warn("job failed",
		logx.String("job_id", job.ID),
		logx.String("channel", job.Channel),
		logx.Int("attempts", job.Attempts),
		logx.Err(cause))
}

func (s *Service) reschedule(job storage.Job, cause error) {
	s.retried.Add(1)
	delay := s.opts.RetryDelay(job.Attempts)
	at := s.clock().Add(delay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RescheduleJob(ctx, job.ID, at, cause.Error()); err != nil {
		// Likely reaped concurrently; the job stays in the table either way.
		s.log.Error("reschedule failed", logx.String("job_id", job.ID), logx.Err(err))
	}

	s.settle(job.ID, Outcome{
		JobID: job.ID, AlertID: job.AlertID, RecipientID: job.RecipientID,
		Channel: alert.Channel(job.Channel), Err: cause,
		Attempts: job.Attempts, Terminal: false,
	})

	s.log.Debug("job rescheduled",
		logx.String("job_id", job.ID),
		logx.Int("attempt", job.Attempts),
		logx.Duration("delay", delay),
		logx.Err(cause))
}

func (s *Service) deliveryEvent(job storage.Job, errText string) DeliveryEvent {
	var typ alert.Type
	var c channel.Content
	if json.Unmarshal(job.Payload, &c) == nil {
		typ = c.AlertType
	}
	return DeliveryEvent{
		JobID: job.ID, AlertID: job.AlertID, AlertType: typ,
		RecipientID: job.RecipientID,
		Channel:     alert.Channel(job.Channel),
		Priority:    alert.Priority(job.Priority),
		Attempts:    job.Attempts, Error: errText,
	}
}

func (s *Service) publish(typ string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock(), Data: ev})
}

func (s *Service) reaperLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := s.store.ReapStuck(ctx, s.orphanDeadline(s.clock()))
			cancel()
			if err != nil {
				s.log.Error("reap cycle failed", logx.Err(err))
				continue
			}
			if n > 0 {
				s.reaped.Add(uint64(n))
				s.log.Warn("returned stuck jobs to pending", logx.Int("count", n))
			}
		}
	}
}

// Depth counts pending jobs.
func (s *Service) Depth(ctx context.Context) (int, error) {
	return s.store.QueueDepth(ctx)
}

// StuckCount counts jobs past the orphan deadline, best effort.
func (s *Service) StuckCount(ctx context.Context) (int, error) {
	return s.store.StuckCount(ctx, s.orphanDeadline(s.clock()))
}

// Snapshot reports queue activity for diagnostics.
func (s *Service) Snapshot(ctx context.Context) Stats {
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		depth = -1
	}
	return Stats{
		Depth:      depth,
		Active:     int(s.active.Load()),
		Processed:  s.processed.Load(),
		Sent:       s.sent.Load(),
		Retried:    s.retried.Load(),
		Failed:     s.failed.Load(),
		Reaped:     s.reaped.Load(),
		LastPollAt: time.UnixMilli(s.lastPoll.Load()),
	}
}
