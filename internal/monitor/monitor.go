// Package monitor watches queue health: depth, stuck jobs and the
// delivery failure rate over a sliding window. Threshold crossings are
// level-triggered health alerts published on the event bus.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ampynjord/MedAlert/internal/eventbus"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// Health alert types.
const (
	AlertQueueDepth  = "queue_depth"
	AlertFailureRate = "failure_rate"
	AlertStuckJobs   = "stuck_jobs"
)

// Severities, ordered.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Trend directions for the depth series.
const (
	TrendIncreasing   = "increasing"
	TrendDecreasing   = "decreasing"
	TrendStable       = "stable"
	TrendInsufficient = "insufficient_data"
)

// QueueSource exposes the queue gauges the monitor samples.
type QueueSource interface {
	Depth(ctx context.Context) (int, error)
	StuckCount(ctx context.Context) (int, error)
}

// HealthAlert is a raised (or resolved) threshold condition. One alert
// is active per type at a time; a worsening condition updates the
// severity in place.
type HealthAlert struct {
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	RaisedAt   time.Time `json:"raised_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// TrendReport describes the direction of the queue depth series.
type TrendReport struct {
	Metric     string  `json:"metric"`
	Direction  string  `json:"direction"`
	RecentAvg  float64 `json:"recent_avg"`
	EarlierAvg float64 `json:"earlier_avg"`
}

// Report is a point-in-time health snapshot.
type Report struct {
	Healthy     bool          `json:"healthy"`
	Depth       int           `json:"depth"`
	Stuck       int           `json:"stuck"`
	FailureRate float64       `json:"failure_rate"`
	Trend       string        `json:"trend"`
	Alerts      []HealthAlert `json:"alerts,omitempty"`
	SampledAt   time.Time     `json:"sampled_at"`
}

// Options configures sampling and thresholds. Zero fields take the
// documented defaults.
type Options struct {
	SampleInterval      time.Duration // default 30s
	Window              time.Duration // failure-rate window; default 5m
	DepthWarning        int           // default 100
	DepthCritical       int           // default 500
	FailureRateWarning  float64       // default 0.10
	FailureRateCritical float64       // default 0.25
	StuckWarning        int           // default 1
	TrendSamples        int           // depth samples kept for trends; default 20
}

func (o Options) withDefaults() Options {
	if o.SampleInterval <= 0 {
		o.SampleInterval = 30 * time.Second
	}
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	if o.DepthWarning <= 0 {
		o.DepthWarning = 100
	}
	if o.DepthCritical <= 0 {
		o.DepthCritical = 500
	}
	if o.FailureRateWarning <= 0 {
		o.FailureRateWarning = 0.10
	}
	if o.FailureRateCritical <= 0 {
		o.FailureRateCritical = 0.25
	}
	if o.StuckWarning <= 0 {
		o.StuckWarning = 1
	}
	if o.TrendSamples <= 0 {
		o.TrendSamples = 20
	}
	return o
}

// Service samples the queue and tracks terminal delivery outcomes.
type Service struct {
	source QueueSource
	bus    eventbus.Bus
	log    logx.Logger
	opts   Options
	clock  func() time.Time

	mu        sync.Mutex
	sentAt    []time.Time
	failedAt  []time.Time
	depthHist []float64
	active    map[string]*HealthAlert
	history   []HealthAlert
	trend     string
	last      Report

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

func New(source QueueSource, bus eventbus.Bus, opts Options, sopts ...ServiceOption) *Service {
	s := &Service{
		source: source,
		bus:    bus,
		log:    logx.Nop(),
		opts:   opts.withDefaults(),
		clock:  time.Now,
		active: map[string]*HealthAlert{},
		trend:  TrendInsufficient,
		stopCh: make(chan struct{}),
	}
	for _, o := range sopts {
		o(s)
	}
	return s
}

// Start subscribes to delivery outcomes and launches the sample loop.
func (s *Service) Start(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	s.unsub = unsub

	s.wg.Add(2)
	go s.consumeLoop(events)
	go s.sampleLoop()

	s.log.Info("monitor started",
		logx.Duration("sample_interval", s.opts.SampleInterval),
		logx.Duration("window", s.opts.Window))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.unsub != nil {
			s.unsub()
		}
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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
				s.record(&s.sentAt, ev.Time)
			case eventbus.EventNotificationFailed:
				s.record(&s.failedAt, ev.Time)
			}
		}
	}
}

func (s *Service) record(into *[]time.Time, at time.Time) {
	if at.IsZero() {
		at = s.clock()
	}
	s.mu.Lock()
	*into = append(*into, at)
	s.mu.Unlock()
}

func (s *Service) sampleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.SampleInterval)
			s.sample(ctx)
			cancel()
		}
	}
}

// sample takes one reading of every gauge and re-evaluates all
// thresholds and the depth trend.
func (s *Service) sample(ctx context.Context) Report {
	now := s.clock()

	depth, err := s.source.Depth(ctx)
	if err != nil {
		s.log.Error("depth sample failed", logx.Err(err))
		depth = -1
	}
	stuck, err := s.source.StuckCount(ctx)
	if err != nil {
		s.log.Error("stuck sample failed", logx.Err(err))
		stuck = 0
	}

	s.mu.Lock()
	cutoff := now.Add(-s.opts.Window)
	s.sentAt = pruneBefore(s.sentAt, cutoff)
	s.failedAt = pruneBefore(s.failedAt, cutoff)
	sent, failed := len(s.sentAt), len(s.failedAt)

	var rate float64
	if total := sent + failed; total > 0 {
		rate = float64(failed) / float64(total)
	}

	if depth >= 0 {
		s.depthHist = append(s.depthHist, float64(depth))
		if len(s.depthHist) > s.opts.TrendSamples {
			s.depthHist = s.depthHist[len(s.depthHist)-s.opts.TrendSamples:]
		}
	}
	trend, recent, earlier := classifyTrend(s.depthHist)

	var raised, resolved []HealthAlert
	if depth >= 0 {
		raised, resolved = s.evaluateLocked(raised, resolved, AlertQueueDepth, float64(depth),
			float64(s.opts.DepthWarning), float64(s.opts.DepthCritical),
			"queue depth %d jobs", now)
	}
	raised, resolved = s.evaluateLocked(raised, resolved, AlertFailureRate, rate,
		s.opts.FailureRateWarning, s.opts.FailureRateCritical,
		"delivery failure rate %.0f%%", now)
	raised, resolved = s.evaluateLocked(raised, resolved, AlertStuckJobs, float64(stuck),
		float64(s.opts.StuckWarning), 0,
		"%d jobs stuck in processing", now)

	s.trend = trend

	for _, a := range raised {
		s.history = append(s.history, a)
	}
	for _, a := range resolved {
		s.history = append(s.history, a)
	}
	if len(s.history) > alertHistoryCap {
		s.history = s.history[len(s.history)-alertHistoryCap:]
	}

	report := Report{
		Healthy:     len(s.active) == 0,
		Depth:       depth,
		Stuck:       stuck,
		FailureRate: rate,
		Trend:       trend,
		SampledAt:   now,
	}
	for _, a := range s.active {
		report.Alerts = append(report.Alerts, *a)
	}
	s.last = report
	s.mu.Unlock()

	for _, a := range raised {
		s.log.Warn("health alert raised",
			logx.String("type", a.Type), logx.String("severity", a.Severity),
			logx.String("detail", a.Message))
		s.bus.Publish(eventbus.Event{Type: eventbus.EventAlertTriggered, Time: now, Data: a})
	}
	for _, a := range resolved {
		s.log.Info("health alert resolved", logx.String("type", a.Type))
		s.bus.Publish(eventbus.Event{Type: eventbus.EventAlertResolved, Time: now, Data: a})
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventTrendsUpdated, Time: now, Data: TrendReport{
		Metric: "queue_depth", Direction: trend, RecentAvg: recent, EarlierAvg: earlier,
	}})
	return report
}

// evaluateLocked applies level-triggered threshold logic for one alert
// type. critical == 0 means the metric has a single warning threshold.
// Caller holds s.mu.
func (s *Service) evaluateLocked(raised, resolved []HealthAlert, typ string, value, warning, critical float64, format string, now time.Time) ([]HealthAlert, []HealthAlert) {
	var severity string
	threshold := warning
	switch {
	case critical > 0 && value >= critical:
		severity = SeverityCritical
		threshold = critical
	case value >= warning:
		severity = SeverityWarning
	}

	cur, active := s.active[typ]
	switch {
	case severity == "" && active:
		cur.ResolvedAt = now
		resolved = append(resolved, *cur)
		delete(s.active, typ)
	case severity != "" && !active:
		a := &HealthAlert{
			Type: typ, Severity: severity,
			Message:   message(format, typ, value),
			Value:     value,
			Threshold: threshold,
			RaisedAt:  now,
		}
		s.active[typ] = a
		raised = append(raised, *a)
	case severity != "" && active && cur.Severity != severity:
		// Escalation or de-escalation of an already-active alert.
		cur.Severity = severity
		cur.Threshold = threshold
		cur.Value = value
		cur.Message = message(format, typ, value)
		raised = append(raised, *cur)
	case active:
		cur.Value = value
	}
	return raised, resolved
}

func message(format, typ string, value float64) string {
	if typ == AlertFailureRate {
		return fmt.Sprintf(format, value*100)
	}
	return fmt.Sprintf(format, int(value))
}

// alertHistoryCap bounds the raised/resolved alert log.
const alertHistoryCap = 100

// classifyTrend compares the mean of the recent half of the series to
// the earlier half, with a 5% deadband around stable.
func classifyTrend(series []float64) (direction string, recent, earlier float64) {
	if len(series) < 4 {
		return TrendInsufficient, 0, 0
	}
	mid := len(series) / 2
	earlier = mean(series[:mid])
	recent = mean(series[mid:])
	switch {
	case earlier == 0 && recent > 0:
		return TrendIncreasing, recent, earlier
	case recent > earlier*1.05:
		return TrendIncreasing, recent, earlier
	case recent < earlier*0.95:
		return TrendDecreasing, recent, earlier
	default:
		return TrendStable, recent, earlier
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Health returns the latest sampled report.
func (s *Service) Health() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// History returns the bounded log of raised and resolved alerts,
// oldest first.
func (s *Service) History() []HealthAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HealthAlert(nil), s.history...)
}
