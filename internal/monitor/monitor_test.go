package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/ampynjord/MedAlert/internal/eventbus"
)

type fakeSource struct {
	depths []int
	i      int
	stuck  int
}

func (f *fakeSource) Depth(context.Context) (int, error) {
	d := f.depths[f.i]
	if f.i < len(f.depths)-1 {
		f.i++
	}
	return d, nil
}

func (f *fakeSource) StuckCount(context.Context) (int, error) { return f.stuck, nil }

func testOptions() Options {
	return Options{
		SampleInterval:      time.Hour, // samples driven manually
		Window:              5 * time.Minute,
		DepthWarning:        100,
		DepthCritical:       500,
		FailureRateWarning:  0.10,
		FailureRateCritical: 0.25,
		StuckWarning:        1,
	}
}

func collect(events <-chan eventbus.Event, typ string) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestDepthWarningRaisedOnce(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	src := &fakeSource{depths: []int{10, 10, 12, 120, 130}}
	s := New(src, bus, testOptions())

	for range src.depths {
		s.sample(context.Background())
	}

	raised := collect(events, eventbus.EventAlertTriggered)
	if len(raised) != 1 {
		t.Fatalf("alert_triggered events = %d, want 1", len(raised))
	}
	a := raised[0].Data.(HealthAlert)
	if a.Type != AlertQueueDepth || a.Severity != SeverityWarning || a.Value != 120 {
		t.Fatalf("alert = %+v", a)
	}

	rep := s.Health()
	if rep.Healthy || len(rep.Alerts) != 1 || rep.Depth != 130 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestDepthAlertResolves(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	src := &fakeSource{depths: []int{150, 150, 20, 20}}
	s := New(src, bus, testOptions())
	for range src.depths {
		s.sample(context.Background())
	}

	if raised := collect(events, eventbus.EventAlertTriggered); len(raised) != 1 {
		t.Fatalf("raised = %d, want 1", len(raised))
	}
	resolved := collect(events, eventbus.EventAlertResolved)
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d, want 1", len(resolved))
	}
	a := resolved[0].Data.(HealthAlert)
	if a.Type != AlertQueueDepth || a.ResolvedAt.IsZero() {
		t.Fatalf("alert = %+v", a)
	}
	if rep := s.Health(); !rep.Healthy {
		t.Fatalf("report = %+v", rep)
	}
}

func TestDepthEscalatesToCritical(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	src := &fakeSource{depths: []int{150, 600}}
	s := New(src, bus, testOptions())
	s.sample(context.Background())
	s.sample(context.Background())

	raised := collect(events, eventbus.EventAlertTriggered)
	if len(raised) != 2 {
		t.Fatalf("raised = %d, want warning then escalation", len(raised))
	}
	if a := raised[1].Data.(HealthAlert); a.Severity != SeverityCritical || a.Threshold != 500 {
		t.Fatalf("escalated alert = %+v", a)
	}
}

func TestFailureRateWindow(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{depths: []int{0}}
	s := New(src, bus, testOptions(), WithClock(func() time.Time { return now }))

	// 8 failures and 2 successes inside the window; older outcomes must
	// not count.
	s.record(&s.failedAt, now.Add(-time.Hour))
	for i := 0; i < 8; i++ {
		s.record(&s.failedAt, now.Add(-time.Minute))
	}
	s.record(&s.sentAt, now.Add(-time.Minute))
	s.record(&s.sentAt, now.Add(-time.Minute))

	rep := s.sample(context.Background())
	if rep.FailureRate != 0.8 {
		t.Fatalf("failure rate = %v, want 0.8", rep.FailureRate)
	}
	raised := collect(events, eventbus.EventAlertTriggered)
	if len(raised) != 1 {
		t.Fatalf("raised = %d, want 1", len(raised))
	}
	if a := raised[0].Data.(HealthAlert); a.Type != AlertFailureRate || a.Severity != SeverityCritical {
		t.Fatalf("alert = %+v", a)
	}
}

func TestStuckJobsWarning(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	src := &fakeSource{depths: []int{0}, stuck: 2}
	s := New(src, bus, testOptions())
	s.sample(context.Background())

	raised := collect(events, eventbus.EventAlertTriggered)
	if len(raised) != 1 {
		t.Fatalf("raised = %d, want 1", len(raised))
	}
	if a := raised[0].Data.(HealthAlert); a.Type != AlertStuckJobs || a.Severity != SeverityWarning {
		t.Fatalf("alert = %+v", a)
	}
}

func TestTrendEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	src := &fakeSource{depths: []int{10, 10, 10, 40, 60, 80}}
	s := New(src, bus, testOptions())
	for range src.depths {
		s.sample(context.Background())
	}

	// One trend report per sample.
	trends := collect(events, eventbus.EventTrendsUpdated)
	if len(trends) != len(src.depths) {
		t.Fatalf("trend events = %d, want %d", len(trends), len(src.depths))
	}
	if tr := trends[0].Data.(TrendReport); tr.Direction != TrendInsufficient {
		t.Fatalf("first trend = %+v", tr)
	}
	tr := trends[len(trends)-1].Data.(TrendReport)
	if tr.Metric != "queue_depth" || tr.Direction != TrendIncreasing {
		t.Fatalf("trend = %+v", tr)
	}
}

func TestAlertHistoryBounded(t *testing.T) {
	bus := eventbus.New()
	// Alternate above and below the warning threshold.
	depths := make([]int, 0, 12)
	for i := 0; i < 6; i++ {
		depths = append(depths, 150, 10)
	}
	src := &fakeSource{depths: depths}
	s := New(src, bus, testOptions())
	for range depths {
		s.sample(context.Background())
	}

	hist := s.History()
	if len(hist) != 12 { // 6 raises + 6 resolves
		t.Fatalf("history length = %d, want 12", len(hist))
	}
	if !hist[0].ResolvedAt.IsZero() {
		t.Fatalf("first entry should be a raise: %+v", hist[0])
	}
}

func TestClassifyTrend(t *testing.T) {
	cases := []struct {
		name   string
		series []float64
		want   string
	}{
		{"short series", []float64{5, 100}, TrendInsufficient},
		{"increasing", []float64{10, 10, 50, 60}, TrendIncreasing},
		{"decreasing", []float64{60, 50, 10, 10}, TrendDecreasing},
		{"flat", []float64{20, 20, 20, 20}, TrendStable},
		{"within deadband", []float64{100, 100, 102, 102}, TrendStable},
		{"from zero", []float64{0, 0, 3, 4}, TrendIncreasing},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, _, _ := classifyTrend(c.series)
			if got != c.want {
				t.Fatalf("classifyTrend(%v) = %q, want %q", c.series, got, c.want)
			}
		})
	}
}
