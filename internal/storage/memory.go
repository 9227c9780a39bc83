package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is a mutex-guarded in-process store with the same
// transition semantics as the sqlite driver. Non-durable; used by
// tests and as a no-persistence fallback.
type memoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	history []DeliveryRecord
	prefs   map[string][]byte
	rollups map[rollupKey]*Rollup
}

type rollupKey struct {
	granularity string
	period      int64
	channel     string
	alertType   string
	priority    string
}

func NewMemory() Store {
	return &memoryStore{
		jobs:    map[string]*Job{},
		prefs:   map[string][]byte{},
		rollups: map[rollupKey]*Rollup{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) InsertJob(_ context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[j.ID]; exists {
		return ErrConflict
	}
	cp := j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Job
	for _, j := range m.jobs {
		if j.Status == JobPending && !j.ScheduledAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].ScheduledAt.Before(due[k].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.Status = JobProcessing
		j.Attempts++
		j.ClaimedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (m *memoryStore) RescheduleJob(_ context.Context, id string, at time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != JobProcessing {
		return ErrConflict
	}
	j.Status = JobPending
	j.ScheduledAt = at
	j.ClaimedAt = time.Time{}
	j.LastError = truncateErr(lastErr)
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memoryStore) ReapStuck(_ context.Context, deadline time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == JobProcessing && !j.ClaimedAt.IsZero() && !j.ClaimedAt.After(deadline) {
			j.Status = JobPending
			j.ClaimedAt = time.Time{}
			if j.Attempts > 0 {
				j.Attempts--
			}
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) QueueDepth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == JobPending {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) StuckCount(_ context.Context, deadline time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == JobProcessing && !j.ClaimedAt.IsZero() && !j.ClaimedAt.After(deadline) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	r.Error = truncateErr(r.Error)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, r)
	return nil
}

// Deliveries returns a copy of the recorded history. Test helper.
func (m *memoryStore) Deliveries() []DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeliveryRecord, len(m.history))
	copy(out, m.history)
	return out
}

func (m *memoryStore) GetPreferences(_ context.Context, userID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.prefs[userID]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(doc))
	copy(cp, doc)
	return cp, true, nil
}

func (m *memoryStore) PutPreferences(_ context.Context, userID string, doc []byte) error {
	cp := make([]byte, len(doc))
	copy(cp, doc)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[userID] = cp
	return nil
}

func (m *memoryStore) UpsertRollup(_ context.Context, r Rollup) error {
	k := rollupKey{r.Granularity, r.Period.UnixMilli(), r.Channel, r.AlertType, r.Priority}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rollups[k]; ok {
		cur.Sent += r.Sent
		cur.Failed += r.Failed
		return nil
	}
	cp := r
	m.rollups[k] = &cp
	return nil
}

func (m *memoryStore) PruneRollups(_ context.Context, before time.Time) (int, error) {
	cut := before.UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.rollups {
		if k.period < cut {
			delete(m.rollups, k)
			n++
		}
	}
	return n, nil
}
