package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCleanExit(t *testing.T) {
	s := New(context.Background())
	ran := make(chan struct{})
	s.Go("worker", func(ctx context.Context) error {
		close(ran)
		return nil
	})
	<-ran
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap := s.Snapshot()
	if snap.Started != 1 || len(snap.Goroutines) != 1 || snap.Goroutines[0].Name != "worker" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoCapturesPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error {
		panic("kaput")
	})
	if err := s.Stop(context.Background()); err == nil {
		t.Fatal("panic did not surface as error")
	}
	snap := s.Snapshot()
	if snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoErrorBecomesFirstErr(t *testing.T) {
	s := New(context.Background())
	want := errors.New("db gone")
	s.Go("a", func(ctx context.Context) error { return want })
	_ = s.Wait(context.Background())
	if err := s.Err(); !errors.Is(err, want) {
		t.Fatalf("Err() = %v", err)
	}

	// Canceled runs are clean stops.
	s2 := New(context.Background())
	s2.Go("b", func(ctx context.Context) error { return context.Canceled })
	if err := s2.Stop(context.Background()); err != nil {
		t.Fatalf("canceled run reported error: %v", err)
	}
}

func TestGoRestartRetriesThenGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	}, WithBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(context.Background()); err == nil {
		t.Fatal("gave-up restart loop reported no error")
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("recovers", func(ctx context.Context) error {
		if runs.Add(1) < 2 {
			return errors.New("first run fails")
		}
		return nil
	}, WithBackoff(time.Millisecond, 2*time.Millisecond))

	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestStopCancelsContext(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{})
	s.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	<-started
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("context not canceled after Stop")
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	s.Go("slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
	close(release)
	_ = s.Wait(context.Background())
}
