package scheduler

import (
	"errors"
	"time"

	"planpal/internal/task/engine"
	logx "planpal/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed hand-off to the engine, at most once per
// reminder per throttle window.
func (s *Service) reportEnqueueError(reminderID int64, err error) {
	if err == nil {
		return
	}
	// A dispatch for this reminder is already queued or running.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("dispatch trigger skipped", logx.Int64("reminder_id", reminderID), logx.Err(err))
		return
	}

	now := s.now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[reminderID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[reminderID] = now
	// Keep the map from growing without bound on long outages.
	for id, at := range s.lastEnqWarn {
		if now.Sub(at) > time.Minute {
			delete(s.lastEnqWarn, id)
		}
	}
	s.enqMu.Unlock()

	// Circuit open / queue full are important but can be bursty.
	s.log.Warn("dispatch failed to enqueue", logx.Int64("reminder_id", reminderID), logx.Err(err))
}
