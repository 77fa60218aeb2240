package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"planpal/internal/eventbus"
	logx "planpal/pkg/logx"
)

// slowTask promotes completion logs from debug to info.
const slowTask = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool, rng *rand.Rand) error {
	for {
		// A closed quit wins over queued jobs.
		select {
		case <-p.quit:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case <-p.quit:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		case j := <-p.jobs:
			s.inFlight.Add(1)
			s.execute(ctx, p.quit, j, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, quit <-chan struct{}, j job, rng *rand.Rand) {
	start := time.Now()
	cfg := s.Config()
	out := Outcome{
		ID:         j.task.ID,
		Name:       j.task.Name,
		Key:        j.task.ConcurrencyKey,
		Started:    start,
		QueueDelay: max(start.Sub(j.queued), 0),
	}

	if cfg.MaxQueueDelay > 0 && out.QueueDelay > cfg.MaxQueueDelay {
		s.release(j)
		s.dropStale(start, out)
		out.Error = "stale_queue_delay"
		s.history.add(out, cfg.HistorySize)
		s.finish(j.task, ErrStale, 0)
		return
	}

	s.log.Debug("task started", logx.String("task", out.Name), logx.String("key", out.Key), logx.Duration("queue_delay", out.QueueDelay))
	s.publish(eventbus.TaskStarted, start, out)

	attempts, err := s.attempt(ctx, quit, j, rng)
	// Free the key before OnDone so the callback may enqueue it again.
	s.release(j)

	out.Duration = time.Since(start)
	out.Attempts = attempts
	fields := []logx.Field{
		logx.String("task", out.Name),
		logx.String("key", out.Key),
		logx.Duration("dur", out.Duration),
		logx.Int("attempts", attempts),
	}
	switch {
	case err != nil:
		out.Error = cause(err).Error()
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskFailed, time.Now(), out)
	case out.Duration >= slowTask:
		s.log.Info("task completed", fields...)
		s.publish(eventbus.TaskFinished, time.Now(), out)
	default:
		s.log.Debug("task completed", fields...)
		s.publish(eventbus.TaskFinished, time.Now(), out)
	}

	s.breakers.observe(out.Name, j.pol, time.Now(), err)
	s.history.add(out, cfg.HistorySize)
	s.finish(j.task, err, attempts)
}

// attempt runs the task until it succeeds, fails permanently or runs out of
// attempts. Stop and ctx cut a backoff wait short.
func (s *Service) attempt(ctx context.Context, quit <-chan struct{}, j job, rng *rand.Rand) (int, error) {
	for n := 1; ; n++ {
		err := s.runOnce(ctx, j)
		if err == nil || IsNoRetry(err) || n >= j.pol.attempts {
			return n, err
		}
		delay := j.pol.backoff(n, rng)
		s.log.Debug("task retry scheduled", logx.String("task", j.task.Name), logx.Int("next_attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-tmr.C:
		case <-ctx.Done():
			tmr.Stop()
			return n, ctx.Err()
		case <-quit:
			tmr.Stop()
			return n, ErrStopping
		}
	}
}

func (s *Service) runOnce(ctx context.Context, j job) (err error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", j.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.task.Run(ctx)
}

// finish calls OnDone. err keeps any NoRetry marker.
func (s *Service) finish(t Task, err error, attempts int) {
	if t.OnDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task OnDone panicked", logx.String("task", t.Name), logx.Any("panic", r))
		}
	}()
	t.OnDone(err, attempts)
}
