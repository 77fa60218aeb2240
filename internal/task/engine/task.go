package engine

import (
	"context"
	"strings"
	"time"
)

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TaskOptions overrides engine defaults for one task. Zero values inherit.
type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int // < 0 disables retries
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// CircuitTripFailures < 0 exempts the task from the breaker.
	CircuitTripFailures int
}

// Task is one unit of work, usually a single reminder dispatch.
//
// ConcurrencyKey scopes OverlapSkipIfRunning and defaults to Name. OnDone
// runs once for every accepted task with the final error and attempt count;
// stale drops report ErrStale after 0 attempts.
type Task struct {
	ID             string
	Name           string
	ConcurrencyKey string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	OnDone         func(err error, attempts int)
}

func (t Task) key() string {
	if k := strings.TrimSpace(t.ConcurrencyKey); k != "" {
		return k
	}
	return t.Name
}

// Outcome describes a finished, skipped or dropped task. It is both the
// event bus payload and a history row.
type Outcome struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	RetryMax       int           `json:"retry_max"`
	DefaultTimeout time.Duration `json:"default_timeout"`

	CircuitTracked int `json:"circuit_tracked"`
	CircuitOpen    int `json:"circuit_open"`

	Recent []Outcome `json:"recent"`
}
