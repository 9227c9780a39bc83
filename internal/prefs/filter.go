package prefs

import (
	"context"
	"strings"
	"time"

	"github.com/ampynjord/MedAlert/internal/alert"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// Source yields a user's effective preferences.
type Source interface {
	Get(ctx context.Context, userID string) (*Preferences, error)
}

// Filter decides whether an alert reaches a user on a given channel.
// Lookup failures fail open: a broken preference store must never
// silently drop a medical alert.
type Filter struct {
	prefs Source
	log   logx.Logger
}

func NewFilter(src Source, log logx.Logger) *Filter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Filter{prefs: src, log: log}
}

// ShouldDeliver runs the ordered preference checks and short-circuits
// on the first failing one.
func (f *Filter) ShouldDeliver(ctx context.Context, userID string, a *alert.Alert, channel alert.Channel, priority alert.Priority, now time.Time) bool {
	p, err := f.prefs.Get(ctx, userID)
	if err != nil {
		f.log.Warn("preference lookup failed; delivering anyway",
			logx.String("user_id", userID), logx.Err(err))
		return true
	}

	if !channelAllows(p, channel, priority) {
		return false
	}
	if !typeAllows(p, a.Type, channel) {
		return false
	}
	if p.InQuietHours(now) && !emergencyOverride(p, a, priority) {
		return false
	}
	if !zonePasses(p, a.Zone) {
		return false
	}
	if !keywordsPass(p, a) {
		return false
	}
	return customRulesPass(p, a, priority, now)
}

func channelAllows(p *Preferences, channel alert.Channel, priority alert.Priority) bool {
	cp, ok := p.Channels[string(channel)]
	if !ok || !cp.Enabled {
		return false
	}
	for _, pr := range cp.Priorities {
		if pr == priority.String() {
			return true
		}
	}
	return false
}

func typeAllows(p *Preferences, typ alert.Type, channel alert.Channel) bool {
	tp, ok := p.AlertTypes[string(typ)]
	if !ok || !tp.Enabled {
		return false
	}
	for _, ch := range tp.Channels {
		if ch == string(channel) {
			return true
		}
	}
	return false
}

func emergencyOverride(p *Preferences, a *alert.Alert, priority alert.Priority) bool {
	return p.Scheduling.EmergencyOverride &&
		(priority == alert.PriorityCritical || a.Type == alert.TypeEmergency)
}

func zonePasses(p *Preferences, zone string) bool {
	if len(p.Filters.Zones) > 0 && !containsFold(p.Filters.Zones, zone) {
		return false
	}
	return !containsFold(p.Filters.ExcludeZones, zone)
}

func keywordsPass(p *Preferences, a *alert.Alert) bool {
	content := strings.ToLower(a.Title + " " + a.Description)
	if len(p.Filters.Keywords) > 0 {
		found := false
		for _, kw := range p.Filters.Keywords {
			if strings.Contains(content, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, kw := range p.Filters.ExcludeKeywords {
		if strings.Contains(content, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

// customRulesPass requires every rule to hold; unknown rule types pass.
func customRulesPass(p *Preferences, a *alert.Alert, priority alert.Priority, now time.Time) bool {
	for _, r := range p.Filters.CustomRules {
		if !evalRule(r, a, priority, now) {
			return false
		}
	}
	return true
}

func evalRule(r CustomRule, a *alert.Alert, priority alert.Priority, now time.Time) bool {
	switch r.Type {
	case RulePriorityZone:
		return containsFold(r.Zones, a.Zone) && containsFold(r.Priorities, priority.String())
	case RuleTimeRestriction:
		h := now.Hour()
		return h >= r.StartHour && h <= r.EndHour
	default:
		return true
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
