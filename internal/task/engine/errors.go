package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("engine: not running")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: same key already queued or running")
	ErrCircuitOpen = errors.New("engine: circuit open")
	ErrStale       = errors.New("engine: queued too long")
)

// NoRetry marks err as permanent: the engine gives up after the current
// attempt and the failure does not count against the breaker. The dispatcher
// uses it for reminders that no longer exist.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err}
}

func IsNoRetry(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// cause strips the NoRetry marker for logs and history.
func cause(err error) error {
	var p *permanent
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

type permanent struct{ err error }

func (p *permanent) Error() string { return fmt.Sprintf("permanent: %v", p.err) }
func (p *permanent) Unwrap() error { return p.err }
