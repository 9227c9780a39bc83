package alert

import (
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	valid := Alert{ID: "a1", Type: TypeEmergency, Title: "Fire on deck 2"}

	cases := []struct {
		name    string
		mutate  func(a *Alert)
		field   string
		wantErr bool
	}{
		{"valid", func(a *Alert) {}, "", false},
		{"missing id", func(a *Alert) { a.ID = " " }, "id", true},
		{"unknown type", func(a *Alert) { a.Type = "rumor" }, "type", true},
		{"missing title", func(a *Alert) { a.Title = "" }, "title", true},
		{"title too long", func(a *Alert) { a.Title = strings.Repeat("x", 501) }, "title", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := valid
			c.mutate(&a)
			err := a.Validate()
			if !c.wantErr {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			verr, ok := err.(*ValidationError)
			if !ok || verr.Field != c.field {
				t.Fatalf("Validate() = %v, want field %q", err, c.field)
			}
		})
	}

	var nilAlert *Alert
	if nilAlert.Validate() == nil {
		t.Fatal("nil alert validated")
	}
}

func TestParsers(t *testing.T) {
	if typ, err := ParseType("  Emergency "); err != nil || typ != TypeEmergency {
		t.Fatalf("ParseType = %v, %v", typ, err)
	}
	if _, err := ParseType("gossip"); err == nil {
		t.Fatal("unknown type parsed")
	}
	if ch, err := ParseChannel("PUSH"); err != nil || ch != ChannelPush {
		t.Fatalf("ParseChannel = %v, %v", ch, err)
	}
	if p, err := ParsePriority("critical"); err != nil || p != PriorityCritical {
		t.Fatalf("ParsePriority = %v, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("unknown priority parsed")
	}
}

func TestPriorityOrderingAndClamp(t *testing.T) {
	if !(PriorityInfo < PriorityLow && PriorityLow < PriorityMedium &&
		PriorityMedium < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Fatal("priority ordering broken")
	}
	if got := (PriorityCritical + 3).Clamp(); got != PriorityCritical {
		t.Fatalf("Clamp above = %v", got)
	}
	if got := (PriorityInfo - 2).Clamp(); got != PriorityInfo {
		t.Fatalf("Clamp below = %v", got)
	}
	if (PriorityCritical + 1).Valid() {
		t.Fatal("out-of-range priority reported valid")
	}
}

func TestPriorityText(t *testing.T) {
	b, err := PriorityHigh.MarshalText()
	if err != nil || string(b) != "high" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	var p Priority
	if err := p.UnmarshalText([]byte("medium")); err != nil || p != PriorityMedium {
		t.Fatalf("UnmarshalText = %v, %v", p, err)
	}
	if err := p.UnmarshalText([]byte("asap")); err == nil {
		t.Fatal("bad priority text accepted")
	}
}

func TestAge(t *testing.T) {
	now := time.Now()
	a := Alert{CreatedAt: now.Add(-2 * time.Hour)}
	if got := a.Age(now); got != 2*time.Hour {
		t.Fatalf("Age = %v", got)
	}
	future := Alert{CreatedAt: now.Add(time.Hour)}
	if got := future.Age(now); got != 0 {
		t.Fatalf("Age of future alert = %v", got)
	}
	if got := (&Alert{}).Age(now); got != 0 {
		t.Fatalf("Age without CreatedAt = %v", got)
	}
}
