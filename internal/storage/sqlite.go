package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "github.com/ampynjord/MedAlert/pkg/logx"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./medalert.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, alert_id, recipient_id, channel, priority, payload, status,
		                  attempts, max_attempts, last_error, scheduled_at, claimed_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,NULL,?)`,
		j.ID, j.AlertID, j.RecipientID, j.Channel, j.Priority, j.Payload, j.Status,
		j.Attempts, j.MaxAttempts, j.LastError, j.ScheduledAt.UnixMilli(), j.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, alert_id, recipient_id, channel, priority, payload,
		        attempts, max_attempts, last_error, scheduled_at, created_at
		 FROM jobs
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY priority DESC, scheduled_at ASC
		 LIMIT ?`,
		JobPending, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}

	var claimed []Job
	for rows.Next() {
		var (
			j         Job
			schedMS   int64
			createdMS int64
		)
		if err := rows.Scan(&j.ID, &j.AlertID, &j.RecipientID, &j.Channel, &j.Priority, &j.Payload,
			&j.Attempts, &j.MaxAttempts, &j.LastError, &schedMS, &createdMS); err != nil {
			rows.Close()
			return nil, err
		}
		j.ScheduledAt = time.UnixMilli(schedMS)
		j.CreatedAt = time.UnixMilli(createdMS)
		claimed = append(claimed, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := claimed[:0]
	for _, j := range claimed {
		// Guarded transition: the attempt is consumed at claim time.
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = attempts + 1, claimed_at = ?
			 WHERE id = ? AND status = ?`,
			JobProcessing, now.UnixMilli(), j.ID, JobPending,
		)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			continue
		}
		j.Status = JobProcessing
		j.Attempts++
		j.ClaimedAt = now
		out = append(out, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) RescheduleJob(ctx context.Context, id string, at time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, scheduled_at = ?, claimed_at = NULL, last_error = ?
		 WHERE id = ? AND status = ?`,
		JobPending, at.UnixMilli(), truncateErr(lastErr), id, JobProcessing,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ReapStuck(ctx context.Context, deadline time.Time) (int, error) {
	// Recovery does not consume an attempt: the claim's increment is
	// rolled back together with the status.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, claimed_at = NULL,
		     attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END
		 WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		JobPending, JobProcessing, deadline.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, JobPending).Scan(&n)
	return n, err
}

func (s *sqliteStore) StuckCount(ctx context.Context, deadline time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		JobProcessing, deadline.UnixMilli()).Scan(&n)
	return n, err
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_history(job_id, alert_id, recipient_id, channel, priority,
		                              status, attempts, err, provider_message_id, at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.JobID, r.AlertID, r.RecipientID, r.Channel, r.Priority,
		r.Status, r.Attempts, truncateErr(r.Error), r.ProviderMessageID, r.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetPreferences(ctx context.Context, userID string) ([]byte, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM preferences WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *sqliteStore) PutPreferences(ctx context.Context, userID string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		userID, doc, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) UpsertRollup(ctx context.Context, r Rollup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollups(granularity, period, channel, alert_type, priority, sent, failed)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(granularity, period, channel, alert_type, priority)
		 DO UPDATE SET sent = sent + excluded.sent, failed = failed + excluded.failed`,
		r.Granularity, r.Period.UnixMilli(), r.Channel, r.AlertType, r.Priority, r.Sent, r.Failed,
	)
	return err
}

func (s *sqliteStore) PruneRollups(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rollups WHERE period < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const maxErrLen = 1000

func truncateErr(s string) string {
	if len(s) > maxErrLen {
		return s[:maxErrLen]
	}
	return s
}
