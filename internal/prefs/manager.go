package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ampynjord/MedAlert/internal/eventbus"
	"github.com/ampynjord/MedAlert/internal/storage"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

// Manager is the store-backed preference service with a short-TTL
// read-through cache. Writes invalidate the cache entry synchronously
// before they are acknowledged.
type Manager struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	ttl   time.Duration
	clock func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	prefs *Preferences
	at    time.Time
}

type ManagerOption func(*Manager)

func WithLogger(log logx.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithBus(bus eventbus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

func WithCacheTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func NewManager(store storage.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		log:   logx.Nop(),
		ttl:   5 * time.Minute,
		clock: time.Now,
		cache: map[string]cacheEntry{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the user's preferences merged with defaults.
func (m *Manager) Get(ctx context.Context, userID string) (*Preferences, error) {
	now := m.clock()

	m.mu.Lock()
	if e, ok := m.cache[userID]; ok && now.Sub(e.at) < m.ttl {
		m.mu.Unlock()
		return e.prefs, nil
	}
	m.mu.Unlock()

	doc, _, err := m.store.GetPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences for %s: %w", userID, err)
	}
	merged, err := Merge(doc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[userID] = cacheEntry{prefs: merged, at: now}
	m.mu.Unlock()
	return merged, nil
}

// Save deep-merges a partial document over the user's stored one,
// validates the result and persists it. The cache entry is dropped
// before Save returns.
func (m *Manager) Save(ctx context.Context, userID string, patch []byte) error {
	existing, _, err := m.store.GetPreferences(ctx, userID)
	if err != nil {
		return fmt.Errorf("load preferences for %s: %w", userID, err)
	}

	merged := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			m.log.Warn("discarding unreadable preference document",
				logx.String("user_id", userID), logx.Err(err))
			merged = map[string]any{}
		}
	}
	var over map[string]any
	if err := json.Unmarshal(patch, &over); err != nil {
		return fmt.Errorf("preferences patch: %w", err)
	}
	deepMerge(merged, over)

	doc, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	full, err := Merge(doc)
	if err != nil {
		return err
	}
	if err := full.Validate(); err != nil {
		return err
	}

	if err := m.store.PutPreferences(ctx, userID, doc); err != nil {
		return fmt.Errorf("save preferences for %s: %w", userID, err)
	}

	m.Invalidate(userID)

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.EventPreferencesUpdated,
			Data: map[string]string{"user_id": userID},
		})
	}
	m.log.Debug("preferences saved", logx.String("user_id", userID))
	return nil
}

// Invalidate drops the cached entry for a user.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

// ToggleChannel enables or disables a delivery channel for the user.
func (m *Manager) ToggleChannel(ctx context.Context, userID, channel string, enabled bool) error {
	patch := map[string]any{
		"channels": map[string]any{channel: map[string]any{"enabled": enabled}},
	}
	return m.savePatch(ctx, userID, patch)
}

// UpdateAlertType sets a type's enabled flag and allowed channels.
func (m *Manager) UpdateAlertType(ctx context.Context, userID, alertType string, enabled bool, channels []string) error {
	body := map[string]any{"enabled": enabled}
	if channels != nil {
		body["channels"] = channels
	}
	patch := map[string]any{"alert_types": map[string]any{alertType: body}}
	return m.savePatch(ctx, userID, patch)
}

// UpdateQuietHours sets the quiet window.
func (m *Manager) UpdateQuietHours(ctx context.Context, userID, start, end string) error {
	patch := map[string]any{
		"scheduling": map[string]any{
			"quiet_hours": map[string]any{"start": start, "end": end},
		},
	}
	return m.savePatch(ctx, userID, patch)
}

// AddRule appends a custom rule, assigning it an ID. Fails when the
// user's rule list is at capacity.
func (m *Manager) AddRule(ctx context.Context, userID string, rule CustomRule) (string, error) {
	cur, err := m.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(cur.Filters.CustomRules) >= MaxCustomRules {
		return "", fmt.Errorf("custom rule limit of %d reached", MaxCustomRules)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rules := append(append([]CustomRule{}, cur.Filters.CustomRules...), rule)
	patch := map[string]any{"filters": map[string]any{"custom_rules": rules}}
	if err := m.savePatch(ctx, userID, patch); err != nil {
		return "", err
	}
	return rule.ID, nil
}

// RemoveRule deletes a custom rule by ID.
func (m *Manager) RemoveRule(ctx context.Context, userID, ruleID string) error {
	cur, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	rules := make([]CustomRule, 0, len(cur.Filters.CustomRules))
	found := false
	for _, r := range cur.Filters.CustomRules {
		if r.ID == ruleID {
			found = true
			continue
		}
		rules = append(rules, r)
	}
	if !found {
		return fmt.Errorf("custom rule %s: %w", ruleID, storage.ErrNotFound)
	}
	patch := map[string]any{"filters": map[string]any{"custom_rules": rules}}
	return m.savePatch(ctx, userID, patch)
}

func (m *Manager) savePatch(ctx context.Context, userID string, patch map[string]any) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return m.Save(ctx, userID, b)
}
