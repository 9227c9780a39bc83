package priority

import (
	"fmt"
	"testing"
	"time"

	"github.com/ampynjord/MedAlert/internal/alert"
)

var testNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return New(Options{Clock: func() time.Time { return testNow }})
}

func mkAlert(id string, typ alert.Type, zone, title, desc string, created time.Time) *alert.Alert {
	return &alert.Alert{
		ID: id, Type: typ, Zone: zone,
		Title: title, Description: desc, CreatedAt: created,
	}
}

func TestBasePriorities(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		typ  alert.Type
		want alert.Priority
	}{
		{alert.TypeEmergency, alert.PriorityCritical},
		{alert.TypeEvacuation, alert.PriorityHigh},
		{alert.TypeMedicalInfo, alert.PriorityMedium},
		{alert.TypeMaintenance, alert.PriorityLow},
		{alert.TypeTraining, alert.PriorityInfo},
	}
	for i, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			a := mkAlert(fmt.Sprintf("b%d", i), tc.typ, "", "routine check", "", testNow)
			if got := e.Evaluate(a, Context{}); got != tc.want {
				t.Fatalf("Evaluate(%s) = %s, want %s", tc.typ, got, tc.want)
			}
		})
	}
}

func TestMedicalInfoHangarScenario(t *testing.T) {
	e := newTestEngine()

	plain := mkAlert("m1", alert.TypeMedicalInfo, "hangar", "stock update", "bandages restocked", testNow)
	if got := e.Evaluate(plain, Context{}); got != alert.PriorityMedium {
		t.Fatalf("medical_info in hangar = %s, want medium", got)
	}

	kw := mkAlert("m2", alert.TypeMedicalInfo, "hangar", "stock update", "préparer l'évacuation du personnel", testNow)
	if got := e.Evaluate(kw, Context{}); got != alert.PriorityHigh {
		t.Fatalf("medical_info with évacuation keyword = %s, want high", got)
	}
}

func TestKeywordSingleEscalation(t *testing.T) {
	e := newTestEngine()
	// Several matching keywords still escalate exactly one level.
	a := mkAlert("k1", alert.TypeMaintenance, "", "fire danger", "toxic radiation emergency", testNow)
	if got := e.Evaluate(a, Context{}); got != alert.PriorityMedium {
		t.Fatalf("maintenance with many keywords = %s, want medium", got)
	}
}

func TestCriticalZoneBonus(t *testing.T) {
	e := newTestEngine()
	a := mkAlert("z1", alert.TypeMaintenance, "reactor", "coolant swap", "", testNow)
	if got := e.Evaluate(a, Context{}); got != alert.PriorityMedium {
		t.Fatalf("maintenance in reactor = %s, want medium", got)
	}
}

func TestAgeEscalation(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		age  time.Duration
		want alert.Priority
	}{
		{"fresh", time.Hour, alert.PriorityLow},
		{"over 6h", 7 * time.Hour, alert.PriorityMedium},
		{"over 24h", 25 * time.Hour, alert.PriorityHigh},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := mkAlert(fmt.Sprintf("age%d", i), alert.TypeMaintenance, "", "filter swap", "", testNow.Add(-tc.age))
			if got := e.Evaluate(a, Context{}); got != tc.want {
				t.Fatalf("age %v = %s, want %s", tc.age, got, tc.want)
			}
		})
	}
}

func TestRequesterContext(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		ctx  Context
		want alert.Priority
	}{
		{"irrelevant role", Context{RequesterRole: "medical_officer"}, alert.PriorityLow},
		{"relevant role", Context{RequesterRole: "engineer"}, alert.PriorityMedium},
		{"captain", Context{RequesterRole: "captain"}, alert.PriorityMedium},
		{"same zone", Context{RequesterZone: "deck_2"}, alert.PriorityMedium},
		{"other zone", Context{RequesterZone: "bridge"}, alert.PriorityLow},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := mkAlert(fmt.Sprintf("rc%d", i), alert.TypeMaintenance, "deck_2", "pump service", "", testNow)
			if got := e.Evaluate(a, tc.ctx); got != tc.want {
				t.Fatalf("Evaluate = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRepetitionEscalation(t *testing.T) {
	e := newTestEngine()
	a := mkAlert("rep1", alert.TypeTraining, "", "drill schedule", "", testNow)
	if got := e.Evaluate(a, Context{RecentSimilarAlerts: 3, SimultaneousAlertsInZone: 2}); got != alert.PriorityMedium {
		t.Fatalf("training with repetition context = %s, want medium", got)
	}
}

func TestClampAtCritical(t *testing.T) {
	e := newTestEngine()
	// Every escalation rule fires at once; result must clamp, not wrap.
	a := mkAlert("c1", alert.TypeEmergency, "reactor", "fire", "explosion danger", testNow.Add(-30*time.Hour))
	got := e.Evaluate(a, Context{RecentSimilarAlerts: 5, SimultaneousAlertsInZone: 3, RequesterRole: "captain"})
	if got != alert.PriorityCritical {
		t.Fatalf("fully escalated alert = %s, want critical", got)
	}
}

func TestEmergencyNeverBelowHigh(t *testing.T) {
	e := newTestEngine()
	for i := 0; i < 10; i++ {
		a := mkAlert(fmt.Sprintf("e%d", i), alert.TypeEmergency, "", "help", "", testNow)
		if got := e.Evaluate(a, Context{}); got < alert.PriorityHigh {
			t.Fatalf("emergency alert = %s, below high", got)
		}
	}
}

func TestMonotonicOverTime(t *testing.T) {
	e := newTestEngine()
	a := mkAlert("mono1", alert.TypeMedicalInfo, "", "supply note", "", testNow)

	first := e.Evaluate(a, Context{Now: testNow})
	later := e.Evaluate(a, Context{Now: testNow.Add(8 * time.Hour)})
	if later < first {
		t.Fatalf("priority dropped over time: %s -> %s", first, later)
	}
}

func TestFloorPreventsDowngrade(t *testing.T) {
	e := newTestEngine()
	a := mkAlert("fl1", alert.TypeMaintenance, "", "leak", "", testNow)

	high := e.Evaluate(a, Context{SimultaneousAlertsInZone: 3, Now: testNow})
	// Same alert re-evaluated without the zone context must not report lower.
	again := e.Evaluate(a, Context{Now: testNow})
	if again < high {
		t.Fatalf("re-evaluation downgraded %s -> %s", high, again)
	}
}

func TestCacheHit(t *testing.T) {
	e := newTestEngine()
	a := mkAlert("ch1", alert.TypeEvacuation, "bridge", "clear the deck", "", testNow)
	ctx := Context{Now: testNow}

	p1 := e.Evaluate(a, ctx)
	n := e.CacheLen()
	p2 := e.Evaluate(a, ctx)
	if p1 != p2 {
		t.Fatalf("cached evaluation differs: %s vs %s", p1, p2)
	}
	if e.CacheLen() != n {
		t.Fatalf("cache grew on identical evaluation")
	}
}
