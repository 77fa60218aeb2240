package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"planpal/internal/eventbus"
	"planpal/internal/storage"
	"planpal/internal/task/engine"
	logx "planpal/pkg/logx"
)

type fixture struct {
	store *storage.Store
	eng   *engine.Service
	bus   eventbus.Bus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "planpal.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	bus := eventbus.New()
	eng := engine.New(engine.Config{Workers: 2, RetryMax: -1}, logx.Nop(), bus)
	eng.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(stopCtx)
		_ = st.Close()
	})
	return fixture{store: st, eng: eng, bus: bus}
}

func (f fixture) reminder(t *testing.T, title string) int64 {
	t.Helper()
	ctx := context.Background()
	task, err := f.store.CreateTask(ctx, title, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	r, err := f.store.CreateReminder(ctx, task.ID, time.Now())
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	return r.ID
}

func (f fixture) scheduler(t *testing.T, cfg Config, fn DispatchFunc) *Service {
	t.Helper()
	if cfg.SweepEvery == "" {
		cfg.SweepEvery = "@every 1h"
	}
	s := New(cfg, f.store, f.eng, fn, logx.Nop(), f.bus)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitJobState(t *testing.T, st *storage.Store, reminderID int64, state string) storage.DispatchJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := st.GetJob(context.Background(), reminderID)
		if err == nil && j.State == state {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %d never reached %q (last: %+v, err: %v)", reminderID, state, j, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitPastDueFiresImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.reminder(t, "Buy milk")

	var calls int32
	s := f.scheduler(t, Config{}, func(ctx context.Context, reminderID int64) error {
		if reminderID != id {
			t.Errorf("dispatched %d, want %d", reminderID, id)
		}
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Submit(context.Background(), id, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	j := waitJobState(t, f.store, id, storage.JobDone)
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("dispatch calls = %d, want 1", got)
	}
}

func TestFinishedJobsReleaseVersions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ids := []int64{f.reminder(t, "Laundry"), f.reminder(t, "Dishes")}

	s := f.scheduler(t, Config{}, func(context.Context, int64) error { return nil })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, id := range ids {
		if err := s.Submit(context.Background(), id, time.Now()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	for _, id := range ids {
		waitJobState(t, f.store, id, storage.JobDone)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		s.tmu.Lock()
		n := len(s.versions)
		s.tmu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("versions still holds %d entries after all jobs finished", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Forget(ids[0])
	s.tmu.Lock()
	n := len(s.versions)
	s.tmu.Unlock()
	if n != 0 {
		t.Fatalf("Forget left %d version entries", n)
	}
}

// heldSweepStore parks the first sweep inside PendingJobs until released.
type heldSweepStore struct {
	Store
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

func (h *heldSweepStore) PendingJobs(ctx context.Context, before time.Time, limit int) ([]storage.DispatchJob, error) {
	if !before.IsZero() {
		h.enterOnce.Do(func() {
			close(h.entered)
			<-h.release
		})
	}
	return h.Store.PendingJobs(ctx, before, limit)
}

func (h *heldSweepStore) unblock() { h.releaseOnce.Do(func() { close(h.release) }) }

func TestApplyDuringSweepDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.reminder(t, "Call dentist")

	held := &heldSweepStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(held.unblock)

	var calls int32
	s := New(Config{SweepEvery: "@every 1s"}, held, f.eng, func(context.Context, int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, logx.Nop(), f.bus)
	t.Cleanup(func() { s.Stop(context.Background()) })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Due, but unknown to the timers, so only the sweep can pick it up.
	if _, err := f.store.UpsertJob(context.Background(), id, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	select {
	case <-held.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("sweep never ran")
	}

	applied := make(chan error, 1)
	go func() { applied <- s.Apply(Config{SweepEvery: "@every 2s"}) }()
	time.Sleep(50 * time.Millisecond)
	held.unblock()

	select {
	case err := <-applied:
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Apply did not return while a sweep was enqueuing")
	}

	waitJobState(t, f.store, id, storage.JobDone)
	if snap := s.Snapshot(context.Background()); !snap.Running || snap.SweepEvery != "@every 2s" {
		t.Fatalf("snapshot after Apply = %+v", snap)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("dispatch calls = %d, want 1", got)
	}
}

func TestResubmitReplacesTimer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.reminder(t, "Gym")

	var calls int32
	s := f.scheduler(t, Config{}, func(context.Context, int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()
	if err := s.Submit(ctx, id, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, id, time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("re-Submit: %v", err)
	}

	waitJobState(t, f.store, id, storage.JobDone)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("dispatch calls = %d, want 1", got)
	}
	if snap := s.Snapshot(ctx); snap.Armed != 0 || snap.Jobs[storage.JobDone] != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFailuresRescheduleThenDie(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.reminder(t, "Pay rent")

	var calls int32
	s := f.scheduler(t, Config{MaxAttempts: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, func(context.Context, int64) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("smtp: connection refused")
	})
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Submit(context.Background(), id, time.Now()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	j := waitJobState(t, f.store, id, storage.JobDead)
	if j.Attempts != 3 || j.LastError == "" {
		t.Fatalf("dead job = %+v, want 3 attempts with last error", j)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("dispatch calls = %d, want 3", got)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.ReminderDead {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event", eventbus.ReminderDead)
		}
	}
}

func TestNoRetryMarksDeadImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.reminder(t, "Ghost")

	var calls int32
	s := f.scheduler(t, Config{MaxAttempts: 5, RetryBase: time.Millisecond}, func(context.Context, int64) error {
		atomic.AddInt32(&calls, 1)
		return engine.NoRetry(storage.ErrNotFound)
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Submit(context.Background(), id, time.Now()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	j := waitJobState(t, f.store, id, storage.JobDead)
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("dispatch calls = %d, want 1", got)
	}
}

func TestStartRearmsPendingJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.reminder(t, "Water plants")

	// Persisted by a previous process that exited before firing.
	if _, err := f.store.UpsertJob(context.Background(), id, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	var calls int32
	s := f.scheduler(t, Config{}, func(context.Context, int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJobState(t, f.store, id, storage.JobDone)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("dispatch calls = %d, want 1", got)
	}
}

func TestSweepRecoversUnarmedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.reminder(t, "Stretch")

	var calls int32
	s := f.scheduler(t, Config{SweepEvery: "@every 1h"}, func(context.Context, int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Written behind the scheduler's back, so no timer is armed.
	if _, err := f.store.UpsertJob(context.Background(), id, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	s.sweep()

	waitJobState(t, f.store, id, storage.JobDone)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("dispatch calls = %d, want 1", got)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.scheduler(t, Config{}, func(context.Context, int64) error { return nil })
	if err := s.Submit(context.Background(), 0, time.Now()); err == nil {
		t.Fatalf("expected error for zero reminder id")
	}
	if err := s.Submit(context.Background(), 1, time.Time{}); err == nil {
		t.Fatalf("expected error for zero time")
	}
}

func TestParseSweep(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		next time.Time
	}{
		{"@every 30s", base.Add(30 * time.Second)},
		{"45s", base.Add(45 * time.Second)},
		{"00:02", base.Add(2 * time.Minute)},
		{"*/5 * * * *", base.Add(5 * time.Minute)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			sched, err := parseSweep(tt.raw)
			if err != nil {
				t.Fatalf("parseSweep(%q): %v", tt.raw, err)
			}
			if got := sched.Next(base); !got.Equal(tt.next) {
				t.Fatalf("Next = %v, want %v", got, tt.next)
			}
		})
	}

	for _, bad := range []string{"", "soon", "-5s", "00:75", "@every nope"} {
		if _, err := parseSweep(bad); err == nil {
			t.Fatalf("parseSweep(%q) should fail", bad)
		}
	}
}
