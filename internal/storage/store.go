// Package storage provides the persistence layer for the dispatch engine:
// the durable job queue, delivery history, preference documents and
// analytics rollups. Two drivers exist: sqlite (durable) and memory.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a state transition loses a CAS race,
	// e.g. completing a job that is no longer in processing state.
	ErrConflict = errors.New("storage: conflicting state")
)

// Job statuses. Transitions: pending -> processing -> (pending | terminal).
// Terminal jobs leave the jobs table and land in delivery history.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobSent       = "sent"
	JobFailed     = "failed"
)

// Job is a persisted delivery unit: one (alert, channel, recipient) triple.
// RecipientID is empty for broadcast deliveries.
type Job struct {
	ID          string
	AlertID     string
	RecipientID string
	Channel     string
	Priority    int
	Payload     []byte
	Status      string
	Attempts    int
	MaxAttempts int
	LastError   string
	ScheduledAt time.Time
	ClaimedAt   time.Time
	CreatedAt   time.Time
}

// DeliveryRecord is the terminal outcome of a job, kept for analytics
// and audit.
type DeliveryRecord struct {
	JobID             string
	AlertID           string
	RecipientID       string
	Channel           string
	Priority          int
	Status            string // sent or failed
	Attempts          int
	Error             string
	ProviderMessageID string
	At                time.Time
}

// Rollup is an aggregated delivery counter bucket. Upserts add counts.
type Rollup struct {
	Granularity string // "hour" or "day"
	Period      time.Time
	Channel     string
	AlertType   string
	Priority    string
	Sent        int64
	Failed      int64
}

// Store is the persistence API used by the queue, preferences manager
// and analytics.
type Store interface {
	// InsertJob adds a new pending job.
	InsertJob(ctx context.Context, j Job) error
	// ClaimDue atomically moves up to limit due pending jobs to processing,
	// incrementing their attempt counter, ordered by priority (desc) then
	// scheduled time (asc). Each returned job reflects its post-claim state.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// RescheduleJob returns a processing job to pending with a new due time.
	// The attempt spent on the failed try is kept.
	RescheduleJob(ctx context.Context, id string, at time.Time, lastErr string) error
	// DeleteJob removes a job from the live queue (terminal outcome).
	DeleteJob(ctx context.Context, id string) error
	// ReapStuck returns jobs stuck in processing since before deadline to
	// pending, rolling back the attempt their claim consumed.
	ReapStuck(ctx context.Context, deadline time.Time) (int, error)
	// QueueDepth counts pending jobs.
	QueueDepth(ctx context.Context) (int, error)
	// StuckCount counts processing jobs claimed before deadline.
	StuckCount(ctx context.Context, deadline time.Time) (int, error)

	AppendDelivery(ctx context.Context, r DeliveryRecord) error

	// GetPreferences returns the stored preference document for a user.
	GetPreferences(ctx context.Context, userID string) (doc []byte, ok bool, err error)
	PutPreferences(ctx context.Context, userID string, doc []byte) error

	// UpsertRollup adds the rollup's counts into its bucket.
	UpsertRollup(ctx context.Context, r Rollup) error
	// PruneRollups deletes rollup buckets older than before.
	PruneRollups(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Config selects and configures a driver.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process, non-durable
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
