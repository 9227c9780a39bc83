// Package priority derives an urgency level for an alert from its type,
// content, zone, age and requester context.
package priority

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/ampynjord/MedAlert/internal/alert"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// Context carries optional evaluation context. The zero value is valid.
type Context struct {
	RecentSimilarAlerts      int
	SimultaneousAlertsInZone int
	RequesterRole            string
	RequesterZone            string
	Now                      time.Time
}

var basePriorities = map[alert.Type]alert.Priority{
	alert.TypeEmergency:   alert.PriorityCritical,
	alert.TypeEvacuation:  alert.PriorityHigh,
	alert.TypeMedicalInfo: alert.PriorityMedium,
	alert.TypeMaintenance: alert.PriorityLow,
	alert.TypeTraining:    alert.PriorityInfo,
}

// defaultKeywords escalate by one level on any match in title+description.
var defaultKeywords = []string{
	"urgence", "emergency", "critique", "critical", "danger", "mortel",
	"évacuation", "evacuation", "incendie", "fire", "explosion",
	"toxique", "toxic", "contamination", "radiation", "chimique",
}

// defaultCriticalZones escalate by one level. Storage and transit areas
// (hangar, cargo bay) do not qualify.
var defaultCriticalZones = []string{
	"medical_bay", "engine_room", "bridge", "life_support", "reactor", "security",
}

// roleRelevance marks which alert types directly concern a requester role.
var roleRelevance = map[string][]alert.Type{
	"medical_officer":  {alert.TypeEmergency, alert.TypeMedicalInfo},
	"security_officer": {alert.TypeEmergency, alert.TypeEvacuation},
	"engineer":         {alert.TypeMaintenance, alert.TypeEmergency},
	"captain":          {alert.TypeEmergency, alert.TypeEvacuation, alert.TypeMedicalInfo, alert.TypeMaintenance, alert.TypeTraining},
}

type Options struct {
	Keywords      []string
	CriticalZones []string
	CacheSize     int // max cached evaluations; default 1024
	Log           logx.Logger
	Clock         func() time.Time
}

// Engine computes alert priorities. Results are cached per
// (alert signature, context signature, hour bucket); within that window
// a given alert never downgrades below a level already returned for it.
type Engine struct {
	log      logx.Logger
	keywords []string
	zones    map[string]struct{}
	clock    func() time.Time

	mu       sync.Mutex
	cache    map[uint64]alert.Priority
	cacheCap int
	floors   map[string]floorEntry
}

type floorEntry struct {
	prio alert.Priority
	at   time.Time
}

const floorTTL = 24 * time.Hour

func New(opts Options) *Engine {
	kws := opts.Keywords
	if kws == nil {
		kws = defaultKeywords
	}
	lowered := make([]string, 0, len(kws))
	for _, k := range kws {
		lowered = append(lowered, strings.ToLower(k))
	}

	zoneList := opts.CriticalZones
	if zoneList == nil {
		zoneList = defaultCriticalZones
	}
	zones := make(map[string]struct{}, len(zoneList))
	for _, z := range zoneList {
		zones[strings.ToLower(z)] = struct{}{}
	}

	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:      log,
		keywords: lowered,
		zones:    zones,
		clock:    clock,
		cache:    make(map[uint64]alert.Priority, size),
		cacheCap: size,
		floors:   map[string]floorEntry{},
	}
}

// Evaluate returns the priority for the alert under the given context.
func (e *Engine) Evaluate(a *alert.Alert, c Context) alert.Priority {
	now := c.Now
	if now.IsZero() {
		now = e.clock()
	}

	key := e.cacheKey(a, c, now)

	e.mu.Lock()
	if p, ok := e.cache[key]; ok {
		p = e.applyFloorLocked(a.ID, p, now)
		e.mu.Unlock()
		return p
	}
	e.mu.Unlock()

	p := e.compute(a, c, now)

	e.mu.Lock()
	if len(e.cache) >= e.cacheCap {
		// Full reset; entries are cheap to recompute and age out hourly anyway.
		e.cache = make(map[uint64]alert.Priority, e.cacheCap)
	}
	e.cache[key] = p
	p = e.applyFloorLocked(a.ID, p, now)
	e.mu.Unlock()

	if e.log.Enabled(logx.LevelDebug) {
		e.log.Debug("priority evaluated",
			logx.String("alert_id", a.ID),
			logx.String("type", string(a.Type)),
			logx.String("priority", p.String()))
	}
	return p
}

func (e *Engine) compute(a *alert.Alert, c Context, now time.Time) alert.Priority {
	p, ok := basePriorities[a.Type]
	if !ok {
		p = alert.PriorityMedium
	}

	content := strings.ToLower(a.Title + " " + a.Description)
	for _, kw := range e.keywords {
		if strings.Contains(content, kw) {
			p++
			break // one escalation per content scan, however many matches
		}
	}

	if c.RecentSimilarAlerts > 2 {
		p++
	}
	if c.SimultaneousAlertsInZone > 1 {
		p++
	}

	if a.Zone != "" {
		if _, crit := e.zones[strings.ToLower(a.Zone)]; crit {
			p++
		}
	}

	switch age := a.Age(now); {
	case age > 24*time.Hour:
		p += 2
	case age > 6*time.Hour:
		p++
	}

	if e.requesterBonus(a, c) {
		p++
	}

	p = p.Clamp()
	if a.Type == alert.TypeEmergency && p < alert.PriorityHigh {
		p = alert.PriorityHigh
	}
	return p
}

func (e *Engine) requesterBonus(a *alert.Alert, c Context) bool {
	if role := strings.ToLower(strings.TrimSpace(c.RequesterRole)); role != "" {
		for _, t := range roleRelevance[role] {
			if t == a.Type {
				return true
			}
		}
	}
	return c.RequesterZone != "" && a.Zone != "" &&
		strings.EqualFold(c.RequesterZone, a.Zone)
}

// applyFloorLocked enforces the per-alert monotonic floor: a re-evaluation
// never reports lower than a level already handed out for the same alert.
func (e *Engine) applyFloorLocked(alertID string, p alert.Priority, now time.Time) alert.Priority {
	if alertID == "" {
		return p
	}
	if len(e.floors) >= e.cacheCap {
		for id, f := range e.floors {
			if now.Sub(f.at) > floorTTL {
				delete(e.floors, id)
			}
		}
	}
	f, ok := e.floors[alertID]
	if ok && now.Sub(f.at) <= floorTTL && f.prio > p {
		return f.prio
	}
	e.floors[alertID] = floorEntry{prio: p, at: now}
	return p
}

func (e *Engine) cacheKey(a *alert.Alert, c Context, now time.Time) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|", a.ID, a.Type, a.Zone, a.Title, a.Description)
	fmt.Fprintf(h, "%d|%d|%s|%s|", c.RecentSimilarAlerts, c.SimultaneousAlertsInZone,
		strings.ToLower(c.RequesterRole), strings.ToLower(c.RequesterZone))
	fmt.Fprintf(h, "%d", now.Truncate(time.Hour).Unix())
	return h.Sum64()
}

// CacheLen reports the number of cached evaluations. Diagnostics only.
func (e *Engine) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
