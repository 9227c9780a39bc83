// Package analytics aggregates delivery outcomes: live counters per
// channel, priority and alert type, a bounded feed of recent
// deliveries, and persisted hourly/daily rollups with retention.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ampynjord/MedAlert/internal/eventbus"
	"github.com/ampynjord/MedAlert/internal/queue"
	"github.com/ampynjord/MedAlert/internal/storage"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// Counts pairs sent and failed totals for one dimension value.
type Counts struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// DeliverySummary is one entry in the recent-deliveries feed.
type DeliverySummary struct {
	AlertID     string    `json:"alert_id"`
	AlertType   string    `json:"alert_type"`
	Channel     string    `json:"channel"`
	Priority    string    `json:"priority"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Success     bool      `json:"success"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
}

// Stats is a snapshot of the live counters.
type Stats struct {
	TotalSent   int64             `json:"total_sent"`
	TotalFailed int64             `json:"total_failed"`
	SuccessRate float64           `json:"success_rate"`
	ByChannel   map[string]Counts `json:"by_channel"`
	ByPriority  map[string]Counts `json:"by_priority"`
	ByType      map[string]Counts `json:"by_type"`
	Recent      []DeliverySummary `json:"recent"`
	Since       time.Time         `json:"since"`
}

// Options configures aggregation. Zero fields take the documented
// defaults.
type Options struct {
	RecentSize    int    // recent feed capacity; default 100
	RetentionDays int    // rollup retention; default 30
	HourlySpec    string // cron spec; default "5 * * * *"
	DailySpec     string // cron spec; default "10 0 * * *"
}

func (o Options) withDefaults() Options {
	if o.RecentSize <= 0 {
		o.RecentSize = 100
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.HourlySpec == "" {
		o.HourlySpec = "5 * * * *"
	}
	if o.DailySpec == "" {
		o.DailySpec = "10 0 * * *"
	}
	return o
}

type bucketKey struct {
	granularity string
	period      time.Time
	channel     string
	alertType   string
	priority    string
}

// Service consumes terminal delivery events from the bus.
type Service struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options
	clock func() time.Time

	mu         sync.Mutex
	since      time.Time
	totals     Counts
	byChannel  map[string]Counts
	byPriority map[string]Counts
	byType     map[string]Counts
	recent     []DeliverySummary
	pending    map[bucketKey]*Counts

	cron     *cron.Cron
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	unsub    func()
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

func New(store storage.Store, bus eventbus.Bus, opts Options, sopts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		bus:        bus,
		log:        logx.Nop(),
		opts:       opts.withDefaults(),
		clock:      time.Now,
		byChannel:  map[string]Counts{},
		byPriority: map[string]Counts{},
		byType:     map[string]Counts{},
		pending:    map[bucketKey]*Counts{},
		stopCh:     make(chan struct{}),
	}
	for _, o := range sopts {
		o(s)
	}
	s.since = s.clock()
	return s
}

// Start subscribes to the bus and schedules the rollup jobs.
func (s *Service) Start(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(128)
	s.unsub = unsub

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.opts.HourlySpec, s.hourlyRollup); err != nil {
		unsub()
		return err
	}
	if _, err := s.cron.AddFunc(s.opts.DailySpec, s.dailyRollup); err != nil {
		unsub()
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.consumeLoop(events)

	s.log.Info("analytics started",
		logx.String("hourly_spec", s.opts.HourlySpec),
		logx.String("daily_spec", s.opts.DailySpec),
		logx.Int("retention_days", s.opts.RetentionDays))
	return nil
}

// Stop flushes pending rollups before returning.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.unsub != nil {
			s.unsub()
		}
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Final flush covers everything accumulated, current buckets included.
	far := s.clock().Add(48 * time.Hour)
	s.flush(ctx, "hour", far)
	s.flush(ctx, "day", far)
	return nil
}

func (s *Service) consumeLoop(events <-chan eventbus.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.EventNotificationSent:
				if de, ok := ev.Data.(queue.DeliveryEvent); ok {
					s.observe(de, true, ev.Time)
				}
			case eventbus.EventNotificationFailed:
				if de, ok := ev.Data.(queue.DeliveryEvent); ok {
					s.observe(de, false, ev.Time)
				}
			}
		}
	}
}

func (s *Service) observe(de queue.DeliveryEvent, success bool, at time.Time) {
	if at.IsZero() {
		at = s.clock()
	}
	ch := string(de.Channel)
	typ := string(de.AlertType)
	prio := de.Priority.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	bump(&s.totals, success)
	bumpMap(s.byChannel, ch, success)
	bumpMap(s.byPriority, prio, success)
	bumpMap(s.byType, typ, success)

	s.recent = append(s.recent, DeliverySummary{
		AlertID: de.AlertID, AlertType: typ, Channel: ch, Priority: prio,
		RecipientID: de.RecipientID, Success: success, Attempts: de.Attempts, At: at,
	})
	if len(s.recent) > s.opts.RecentSize {
		s.recent = s.recent[len(s.recent)-s.opts.RecentSize:]
	}

	for _, b := range []bucketKey{
		{granularity: "hour", period: at.UTC().Truncate(time.Hour), channel: ch, alertType: typ, priority: prio},
		{granularity: "day", period: truncateDay(at), channel: ch, alertType: typ, priority: prio},
	} {
		c, ok := s.pending[b]
		if !ok {
			c = &Counts{}
			s.pending[b] = c
		}
		bump(c, success)
	}
}

func bump(c *Counts, success bool) {
	if success {
		c.Sent++
	} else {
		c.Failed++
	}
}

func bumpMap(m map[string]Counts, k string, success bool) {
	c := m[k]
	bump(&c, success)
	m[k] = c
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) hourlyRollup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.flush(ctx, "hour", s.clock().UTC().Truncate(time.Hour))
}

func (s *Service) dailyRollup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	now := s.clock()
	s.flush(ctx, "day", truncateDay(now))

	cutoff := truncateDay(now).AddDate(0, 0, -s.opts.RetentionDays)
	n, err := s.store.PruneRollups(ctx, cutoff)
	if err != nil {
		s.log.Error("rollup retention prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned expired rollups", logx.Int("count", n))
	}
}

// flush persists and clears every pending bucket of the granularity
// whose period closed before the cutoff.
func (s *Service) flush(ctx context.Context, granularity string, before time.Time) {
	s.mu.Lock()
	due := map[bucketKey]Counts{}
	for k, c := range s.pending {
		if k.granularity == granularity && k.period.Before(before) {
			due[k] = *c
			delete(s.pending, k)
		}
	}
	s.mu.Unlock()

	for k, c := range due {
		err := s.store.UpsertRollup(ctx, storage.Rollup{
			Granularity: k.granularity, Period: k.period,
			Channel: k.channel, AlertType: k.alertType, Priority: k.priority,
			Sent: c.Sent, Failed: c.Failed,
		})
		if err != nil {
			s.log.Error("rollup upsert failed",
				logx.String("granularity", k.granularity),
				logx.Time("period", k.period),
				logx.Err(err))
			// Put the counts back so the next flush retries them.
			s.mu.Lock()
			cur, ok := s.pending[k]
			if !ok {
				cur = &Counts{}
				s.pending[k] = cur
			}
			cur.Sent += c.Sent
			cur.Failed += c.Failed
			s.mu.Unlock()
		}
	}
}

// Snapshot returns a copy of the live counters.
func (s *Service) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalSent:   s.totals.Sent,
		TotalFailed: s.totals.Failed,
		ByChannel:   copyCounts(s.byChannel),
		ByPriority:  copyCounts(s.byPriority),
		ByType:      copyCounts(s.byType),
		Recent:      append([]DeliverySummary(nil), s.recent...),
		Since:       s.since,
	}
	if total := st.TotalSent + st.TotalFailed; total > 0 {
		st.SuccessRate = float64(st.TotalSent) / float64(total)
	}
	return st
}

func copyCounts(m map[string]Counts) map[string]Counts {
	out := make(map[string]Counts, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
