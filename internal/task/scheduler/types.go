package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"planpal/internal/eventbus"
	"planpal/internal/storage"
	"planpal/internal/task/engine"
	logx "planpal/pkg/logx"
)

// Config controls the dispatch backend.
type Config struct {
	Timezone    string // IANA TZ for cron sweep specs
	SweepEvery  string // "@every 30s", "30s", "00:01" or a cron expression
	MaxAttempts int    // delivery rounds before a job is marked dead

	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DispatchTimeout bounds one dispatch attempt on the engine.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepEvery == "" {
		c.SweepEvery = "@every 30s"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// Store is the job persistence the scheduler needs. *storage.Store satisfies it.
type Store interface {
	UpsertJob(ctx context.Context, reminderID int64, runAt time.Time) (storage.DispatchJob, error)
	GetJob(ctx context.Context, reminderID int64) (storage.DispatchJob, error)
	PendingJobs(ctx context.Context, before time.Time, limit int) ([]storage.DispatchJob, error)
	UpdateJob(ctx context.Context, u storage.JobUpdate) error
	JobCounts(ctx context.Context) (map[string]int, error)
}

// Executor is the subset of the task engine used to run dispatches.
type Executor interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

// DispatchFunc delivers one reminder. Permanent failures must be wrapped with
// engine.NoRetry so the job is marked dead instead of rescheduled.
type DispatchFunc func(ctx context.Context, reminderID int64) error

// TaskName is the engine task name shared by every reminder dispatch, so the
// engine circuit breaker trips on transport-wide failures.
const TaskName = "reminder.dispatch"

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus

	store    Store
	exec     Executor
	dispatch DispatchFunc

	c       *cron.Cron
	sweepID cron.EntryID

	// Timers are runtime state; the jobs table is the source of truth.
	tmu      sync.Mutex
	running  bool
	timers   map[int64]*time.Timer
	versions map[int64]uint64
	inflight map[int64]struct{}

	enqMu       sync.Mutex
	lastEnqWarn map[int64]time.Time

	now func() time.Time
}

// Snapshot is a diagnostics view for /api/status.
type Snapshot struct {
	Running     bool            `json:"running"`
	Timezone    string          `json:"timezone"`
	SweepEvery  string          `json:"sweep_every"`
	NextSweep   time.Time       `json:"next_sweep,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	Armed       int             `json:"armed"`
	InFlight    int             `json:"in_flight"`
	Jobs        map[string]int  `json:"jobs"`
	Engine      engine.Snapshot `json:"engine"`
}

// ReminderEvent is published for reminder.scheduled and reminder.dead.
type ReminderEvent struct {
	ReminderID int64     `json:"reminder_id"`
	RunAt      time.Time `json:"run_at,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
}
