package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planpal/internal/eventbus"
	"planpal/internal/storage"
	"planpal/internal/task/engine"
	logx "planpal/pkg/logx"
)

const completeTimeout = 10 * time.Second

// Submit persists a dispatch for reminderID at the given instant and arms its
// timer. Resubmitting the same reminder replaces the previous schedule.
// Instants in the past fire immediately.
func (s *Service) Submit(ctx context.Context, reminderID int64, at time.Time) error {
	if reminderID <= 0 {
		return fmt.Errorf("invalid reminder id %d", reminderID)
	}
	if at.IsZero() {
		return errors.New("dispatch time required")
	}
	job, err := s.store.UpsertJob(ctx, reminderID, at)
	if err != nil {
		return err
	}
	s.arm(job.ReminderID, job.RunAt)

	s.publish(eventbus.ReminderScheduled, ReminderEvent{ReminderID: reminderID, RunAt: job.RunAt})
	s.log.Debug("reminder scheduled", logx.Int64("reminder_id", reminderID), logx.Time("run_at", job.RunAt), logx.String("job_id", job.ID))
	return nil
}

// Forget drops the runtime timer for a reminder whose job was deleted.
func (s *Service) Forget(reminderID int64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[reminderID]; ok {
		t.Stop()
		delete(s.timers, reminderID)
	}
	// A callback already past its timer sees version 0 and bails.
	delete(s.versions, reminderID)
}

// arm replaces any timer for reminderID. Stale callbacks are ignored via the
// version counter. It is a no-op while the scheduler is stopped.
func (s *Service) arm(reminderID int64, at time.Time) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if !s.running {
		return
	}
	if t, ok := s.timers[reminderID]; ok {
		t.Stop()
	}
	ver := s.versions[reminderID] + 1
	s.versions[reminderID] = ver

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[reminderID] = time.AfterFunc(delay, func() { s.fire(reminderID, ver) })
}

func (s *Service) fire(reminderID int64, ver uint64) {
	s.tmu.Lock()
	if !s.running || s.versions[reminderID] != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, reminderID)
	s.tmu.Unlock()

	s.enqueue(reminderID)
}

// enqueue hands the dispatch to the engine unless one is already in flight.
func (s *Service) enqueue(reminderID int64) {
	s.tmu.Lock()
	if _, busy := s.inflight[reminderID]; busy {
		s.tmu.Unlock()
		return
	}
	s.inflight[reminderID] = struct{}{}
	s.tmu.Unlock()

	s.mu.Lock()
	timeout := s.cfg.DispatchTimeout
	s.mu.Unlock()

	err := s.exec.Enqueue(engine.Task{
		Name:           TaskName,
		ConcurrencyKey: fmt.Sprintf("reminder:%d", reminderID),
		Timeout:        timeout,
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			return s.dispatch(ctx, reminderID)
		},
		OnDone: func(err error, attempts int) {
			s.complete(reminderID, err, attempts)
		},
	})
	if err == nil {
		return
	}

	s.clearInflight(reminderID)
	s.reportEnqueueError(reminderID, err)
	switch {
	case errors.Is(err, engine.ErrOverlapSkip), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		// Left pending; the running dispatch or the next sweep picks it up.
	default:
		// Circuit open or queue full: back off without spending an attempt.
		s.arm(reminderID, s.now().Add(s.retryDelay(1)))
	}
}

func (s *Service) clearInflight(reminderID int64) {
	s.tmu.Lock()
	delete(s.inflight, reminderID)
	s.tmu.Unlock()
}

// complete persists the outcome of one delivery round and re-arms the job
// when it was rescheduled.
func (s *Service) complete(reminderID int64, runErr error, attempts int) {
	next := s.recordOutcome(reminderID, runErr, attempts)
	s.clearInflight(reminderID)
	if !next.IsZero() {
		s.arm(reminderID, next)
		return
	}
	s.settle(reminderID)
}

// settle forgets the version counter of a reminder with no armed timer, so
// finished jobs do not accumulate.
func (s *Service) settle(reminderID int64) {
	s.tmu.Lock()
	if _, armed := s.timers[reminderID]; !armed {
		delete(s.versions, reminderID)
	}
	s.tmu.Unlock()
}

func (s *Service) recordOutcome(reminderID int64, runErr error, attempts int) time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()

	job, err := s.store.GetJob(ctx, reminderID)
	if errors.Is(err, storage.ErrNotFound) {
		// Task deleted while the dispatch was pending.
		s.log.Debug("job gone before completion", logx.Int64("reminder_id", reminderID))
		return time.Time{}
	}
	if err != nil {
		s.log.Error("loading job failed", logx.Int64("reminder_id", reminderID), logx.Err(err))
		return time.Time{}
	}
	if job.State != storage.JobPending {
		return time.Time{}
	}

	s.mu.Lock()
	maxAttempts := s.cfg.MaxAttempts
	s.mu.Unlock()

	u := storage.JobUpdate{ReminderID: reminderID, Attempts: job.Attempts + 1}
	switch {
	case runErr == nil:
		u.State = storage.JobDone
	case engine.IsNoRetry(runErr):
		u.State = storage.JobDead
		u.LastError = runErr.Error()
	case errors.Is(runErr, engine.ErrStopping), errors.Is(runErr, context.Canceled):
		// Shutdown interrupted the round; it does not count.
		s.log.Debug("dispatch interrupted", logx.Int64("reminder_id", reminderID), logx.Int("engine_attempts", attempts))
		return time.Time{}
	case u.Attempts >= maxAttempts:
		u.State = storage.JobDead
		u.LastError = runErr.Error()
	default:
		u.State = storage.JobPending
		u.LastError = runErr.Error()
		u.RunAt = s.now().Add(s.retryDelay(u.Attempts))
	}

	if err := s.store.UpdateJob(ctx, u); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("updating job failed", logx.Int64("reminder_id", reminderID), logx.String("state", u.State), logx.Err(err))
		}
		return time.Time{}
	}

	switch u.State {
	case storage.JobDone:
		s.log.Debug("job done", logx.Int64("reminder_id", reminderID), logx.Int("rounds", u.Attempts))
	case storage.JobDead:
		s.log.Warn("job dead", logx.Int64("reminder_id", reminderID), logx.Int("rounds", u.Attempts), logx.String("err", u.LastError))
		s.publish(eventbus.ReminderDead, ReminderEvent{ReminderID: reminderID, Attempts: u.Attempts, Error: u.LastError})
	case storage.JobPending:
		s.log.Info("job rescheduled", logx.Int64("reminder_id", reminderID), logx.Int("rounds", u.Attempts), logx.Time("run_at", u.RunAt), logx.String("err", u.LastError))
		return u.RunAt
	}
	return time.Time{}
}

// retryDelay is exponential in the number of failed rounds, capped.
func (s *Service) retryDelay(rounds int) time.Duration {
	s.mu.Lock()
	base, maxD := s.cfg.RetryBase, s.cfg.RetryMaxDelay
	s.mu.Unlock()

	d := base
	for i := 1; i < rounds && d < maxD; i++ {
		d *= 2
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func (s *Service) publish(typ string, ev ReminderEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
