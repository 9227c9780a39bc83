// Package prefs manages per-user notification preferences and the
// delivery filter built on them.
package prefs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ampynjord/MedAlert/internal/alert"
)

// MaxCustomRules bounds the per-user custom rule list.
const MaxCustomRules = 10

// Preferences is the per-user notification preference document.
// Missing fields fall back to defaults via Merge.
type Preferences struct {
	Channels   map[string]ChannelPref   `json:"channels"`
	AlertTypes map[string]AlertTypePref `json:"alert_types"`
	Scheduling Scheduling               `json:"scheduling"`
	Filters    Filters                  `json:"filters"`
}

type ChannelPref struct {
	Enabled    bool     `json:"enabled"`
	Priorities []string `json:"priorities"`
}

type AlertTypePref struct {
	Enabled  bool     `json:"enabled"`
	Channels []string `json:"channels"`
}

type Scheduling struct {
	QuietHours        QuietHours `json:"quiet_hours"`
	Timezone          string     `json:"timezone"`
	DoNotDisturb      bool       `json:"do_not_disturb"`
	EmergencyOverride bool       `json:"emergency_override"`
}

// QuietHours is a daily window in "HH:MM" local time. A window whose
// start is after its end spans midnight.
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Filters struct {
	Zones           []string     `json:"zones"`
	ExcludeZones    []string     `json:"exclude_zones"`
	Keywords        []string     `json:"keywords"`
	ExcludeKeywords []string     `json:"exclude_keywords"`
	CustomRules     []CustomRule `json:"custom_rules"`
}

// CustomRule is a user-defined delivery predicate. Unknown types pass.
type CustomRule struct {
	ID         string   `json:"id,omitempty"`
	Type       string   `json:"type"`
	Zones      []string `json:"zones,omitempty"`
	Priorities []string `json:"priorities,omitempty"`
	StartHour  int      `json:"start_hour,omitempty"`
	EndHour    int      `json:"end_hour,omitempty"`
}

const (
	RulePriorityZone    = "priority_zone"
	RuleTimeRestriction = "time_restriction"
)

// Defaults returns the baseline preference document: urgent-only push,
// chat from medium up, email off, everything on the socket feed.
func Defaults() *Preferences {
	all := make([]string, 0, 5)
	for p := alert.PriorityInfo; p <= alert.PriorityCritical; p++ {
		all = append(all, p.String())
	}
	return &Preferences{
		Channels: map[string]ChannelPref{
			string(alert.ChannelPush):   {Enabled: true, Priorities: []string{"high", "critical"}},
			string(alert.ChannelChat):   {Enabled: true, Priorities: []string{"medium", "high", "critical"}},
			string(alert.ChannelEmail):  {Enabled: false, Priorities: []string{"critical"}},
			string(alert.ChannelSocket): {Enabled: true, Priorities: all},
		},
		AlertTypes: map[string]AlertTypePref{
			string(alert.TypeEmergency):   {Enabled: true, Channels: []string{"push", "chat", "socket"}},
			string(alert.TypeEvacuation):  {Enabled: true, Channels: []string{"push", "chat", "socket"}},
			string(alert.TypeMedicalInfo): {Enabled: true, Channels: []string{"push", "socket"}},
			string(alert.TypeMaintenance): {Enabled: true, Channels: []string{"socket"}},
			string(alert.TypeTraining):    {Enabled: false, Channels: []string{"socket"}},
		},
		Scheduling: Scheduling{
			QuietHours:        QuietHours{Start: "22:00", End: "07:00"},
			Timezone:          "Europe/Paris",
			DoNotDisturb:      false,
			EmergencyOverride: true,
		},
		Filters: Filters{
			Zones:           []string{},
			ExcludeZones:    []string{},
			Keywords:        []string{},
			ExcludeKeywords: []string{},
			CustomRules:     []CustomRule{},
		},
	}
}

// Merge overlays a stored document onto the defaults. The merge works on
// the JSON object tree so only fields the user actually set win; lists
// are replaced wholesale, never concatenated. Merging the same document
// twice yields the same result.
func Merge(doc []byte) (*Preferences, error) {
	base := map[string]any{}
	db, err := json.Marshal(Defaults())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(db, &base); err != nil {
		return nil, err
	}

	if len(doc) > 0 {
		over := map[string]any{}
		if err := json.Unmarshal(doc, &over); err != nil {
			return nil, fmt.Errorf("preferences document: %w", err)
		}
		deepMerge(base, over)
	}

	mb, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var out Preferences
	if err := json.Unmarshal(mb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// deepMerge writes src over dst in place. Nested objects merge field by
// field; everything else (scalars, arrays) is replaced.
func deepMerge(dst, src map[string]any) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
}

// Validate rejects documents the filter could not act on.
func (p *Preferences) Validate() error {
	for name := range p.Channels {
		if _, err := alert.ParseChannel(name); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
	}
	for name, cp := range p.Channels {
		for _, pr := range cp.Priorities {
			if _, err := alert.ParsePriority(pr); err != nil {
				return fmt.Errorf("channels.%s.priorities: %w", name, err)
			}
		}
	}
	for name, tp := range p.AlertTypes {
		if _, err := alert.ParseType(name); err != nil {
			return fmt.Errorf("alert_types: %w", err)
		}
		for _, ch := range tp.Channels {
			if _, err := alert.ParseChannel(ch); err != nil {
				return fmt.Errorf("alert_types.%s.channels: %w", name, err)
			}
		}
	}
	if err := validClock(p.Scheduling.QuietHours.Start); err != nil {
		return fmt.Errorf("scheduling.quiet_hours.start: %w", err)
	}
	if err := validClock(p.Scheduling.QuietHours.End); err != nil {
		return fmt.Errorf("scheduling.quiet_hours.end: %w", err)
	}
	if p.Scheduling.Timezone != "" {
		if _, err := time.LoadLocation(p.Scheduling.Timezone); err != nil {
			return fmt.Errorf("scheduling.timezone: %w", err)
		}
	}
	if n := len(p.Filters.CustomRules); n > MaxCustomRules {
		return fmt.Errorf("filters.custom_rules: %d rules exceeds limit of %d", n, MaxCustomRules)
	}
	for i, r := range p.Filters.CustomRules {
		if r.Type == RuleTimeRestriction {
			if r.StartHour < 0 || r.StartHour > 23 || r.EndHour < 0 || r.EndHour > 23 {
				return fmt.Errorf("filters.custom_rules[%d]: hours must be within 0..23", i)
			}
		}
	}
	return nil
}

func validClock(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("want HH:MM, got %q", s)
	}
	return nil
}

// InQuietHours reports whether now falls inside the quiet window,
// evaluated in the document's timezone.
func (p *Preferences) InQuietHours(now time.Time) bool {
	if p.Scheduling.DoNotDisturb {
		return true
	}
	qh := p.Scheduling.QuietHours
	if qh.Start == "" || qh.End == "" {
		return false
	}

	loc := time.UTC
	if tz := strings.TrimSpace(p.Scheduling.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	cur := now.In(loc).Format("15:04")

	// A window that spans midnight wraps around.
	if qh.Start > qh.End {
		return cur >= qh.Start || cur <= qh.End
	}
	return cur >= qh.Start && cur <= qh.End
}
