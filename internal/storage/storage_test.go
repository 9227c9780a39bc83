package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestClaimDueOrderAndCAS(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			mk := func(id string, prio int, sched time.Time) Job {
				return Job{ID: id, AlertID: "a1", Channel: "push", Priority: prio,
					MaxAttempts: 3, ScheduledAt: sched, CreatedAt: now}
			}
			for _, j := range []Job{
				mk("low-old", 1, now.Add(-2*time.Minute)),
				mk("high-new", 4, now.Add(-1*time.Second)),
				mk("low-new", 1, now.Add(-1*time.Second)),
				mk("future", 4, now.Add(time.Hour)),
			} {
				if err := st.InsertJob(ctx, j); err != nil {
					t.Fatalf("insert %s: %v", j.ID, err)
				}
			}

			got, err := st.ClaimDue(ctx, now, 2)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("claimed %d jobs, want 2", len(got))
			}
			if got[0].ID != "high-new" || got[1].ID != "low-old" {
				t.Fatalf("claim order = [%s %s], want [high-new low-old]", got[0].ID, got[1].ID)
			}
			for _, j := range got {
				if j.Status != JobProcessing || j.Attempts != 1 {
					t.Fatalf("job %s: status=%s attempts=%d, want processing/1", j.ID, j.Status, j.Attempts)
				}
			}

			// The scheduled-in-the-future job must stay untouched.
			rest, err := st.ClaimDue(ctx, now, 10)
			if err != nil {
				t.Fatalf("claim rest: %v", err)
			}
			if len(rest) != 1 || rest[0].ID != "low-new" {
				t.Fatalf("second claim = %v, want [low-new]", ids(rest))
			}
		})
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			if err := st.InsertJob(ctx, Job{ID: "only", AlertID: "a1", Channel: "push",
				MaxAttempts: 3, ScheduledAt: now.Add(-time.Second), CreatedAt: now}); err != nil {
				t.Fatalf("insert: %v", err)
			}

			const claimers = 8
			var wg sync.WaitGroup
			wins := make(chan int, claimers)
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, err := st.ClaimDue(ctx, now, 5)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					wins <- len(got)
				}()
			}
			wg.Wait()
			close(wins)

			total := 0
			for n := range wins {
				total += n
			}
			if total != 1 {
				t.Fatalf("job claimed %d times, want exactly 1", total)
			}
		})
	}
}

func TestRescheduleKeepsAttempt(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			if err := st.InsertJob(ctx, Job{ID: "j1", AlertID: "a1", Channel: "email",
				MaxAttempts: 3, ScheduledAt: now.Add(-time.Second), CreatedAt: now}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := st.ClaimDue(ctx, now, 1); err != nil {
				t.Fatalf("claim: %v", err)
			}

			retryAt := now.Add(5 * time.Second)
			if err := st.RescheduleJob(ctx, "j1", retryAt, "smtp: connection refused"); err != nil {
				t.Fatalf("reschedule: %v", err)
			}
			// Not due yet.
			if got, _ := st.ClaimDue(ctx, now, 1); len(got) != 0 {
				t.Fatalf("claimed rescheduled job before its due time")
			}
			got, err := st.ClaimDue(ctx, retryAt, 1)
			if err != nil {
				t.Fatalf("claim after delay: %v", err)
			}
			if len(got) != 1 || got[0].Attempts != 2 {
				t.Fatalf("got %v attempts=%d, want 1 job with attempts=2", ids(got), attemptsOf(got))
			}
			if got[0].LastError != "smtp: connection refused" {
				t.Fatalf("last_error = %q", got[0].LastError)
			}

			// Rescheduling a job that is not processing is a conflict.
			if err := st.RescheduleJob(ctx, "missing", retryAt, ""); err != ErrConflict {
				t.Fatalf("reschedule missing = %v, want ErrConflict", err)
			}
		})
	}
}

func TestReapStuckRollsBackAttempt(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			if err := st.InsertJob(ctx, Job{ID: "stuck", AlertID: "a1", Channel: "chat",
				MaxAttempts: 3, ScheduledAt: base, CreatedAt: base}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := st.ClaimDue(ctx, base, 1); err != nil {
				t.Fatalf("claim: %v", err)
			}

			if n, _ := st.StuckCount(ctx, base.Add(time.Minute)); n != 1 {
				t.Fatalf("stuck count = %d, want 1", n)
			}
			n, err := st.ReapStuck(ctx, base.Add(time.Minute))
			if err != nil {
				t.Fatalf("reap: %v", err)
			}
			if n != 1 {
				t.Fatalf("reaped %d, want 1", n)
			}

			got, err := st.ClaimDue(ctx, time.Now(), 1)
			if err != nil {
				t.Fatalf("reclaim: %v", err)
			}
			// The reaped claim did not consume an attempt.
			if len(got) != 1 || got[0].Attempts != 1 {
				t.Fatalf("after reap: %v attempts=%d, want 1 job with attempts=1", ids(got), attemptsOf(got))
			}
		})
	}
}

func TestDeleteJobAndDepth(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			for _, id := range []string{"a", "b"} {
				if err := st.InsertJob(ctx, Job{ID: id, AlertID: "a1", Channel: "push",
					MaxAttempts: 3, ScheduledAt: now, CreatedAt: now}); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}
			if n, _ := st.QueueDepth(ctx); n != 2 {
				t.Fatalf("depth = %d, want 2", n)
			}
			if err := st.DeleteJob(ctx, "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if n, _ := st.QueueDepth(ctx); n != 1 {
				t.Fatalf("depth after delete = %d, want 1", n)
			}
			if err := st.DeleteJob(ctx, "a"); err != ErrNotFound {
				t.Fatalf("double delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := st.GetPreferences(ctx, "u1"); err != nil || ok {
				t.Fatalf("get before put: ok=%v err=%v", ok, err)
			}
			doc := []byte(`{"channels":{"push":{"enabled":false}}}`)
			if err := st.PutPreferences(ctx, "u1", doc); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, ok, err := st.GetPreferences(ctx, "u1")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if string(got) != string(doc) {
				t.Fatalf("doc = %s", got)
			}
		})
	}
}

func TestRollupUpsertAndPrune(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hour := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
			r := Rollup{Granularity: "hour", Period: hour, Channel: "push", AlertType: "emergency", Priority: "critical", Sent: 3, Failed: 1}
			if err := st.UpsertRollup(ctx, r); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			r.Sent, r.Failed = 2, 0
			if err := st.UpsertRollup(ctx, r); err != nil {
				t.Fatalf("upsert again: %v", err)
			}
			old := r
			old.Period = hour.Add(-48 * time.Hour)
			if err := st.UpsertRollup(ctx, old); err != nil {
				t.Fatalf("upsert old: %v", err)
			}
			n, err := st.PruneRollups(ctx, hour.Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned %d, want 1", n)
			}
		})
	}
}

func ids(jobs []Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func attemptsOf(jobs []Job) int {
	if len(jobs) == 0 {
		return -1
	}
	return jobs[0].Attempts
}
