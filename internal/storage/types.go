package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrBadStatus = errors.New("invalid task status")
)

// Config selects the database.
//
// Driver values:
//   - "sqlite": modernc SQLite file at DSN (a path)
//   - "postgres": pgx connection string at DSN
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

const (
	StatusTodo = "todo"
	StatusDone = "done"
)

func ValidStatus(s string) bool { return s == StatusTodo || s == StatusDone }

type Task struct {
	ID        int64      `db:"id" json:"id"`
	Title     string     `db:"title" json:"title"`
	DueAt     *time.Time `db:"due_at" json:"due_at"`
	Status    string     `db:"status" json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

type Reminder struct {
	ID        int64      `db:"id" json:"id"`
	TaskID    int64      `db:"task_id" json:"task_id"`
	RemindAt  time.Time  `db:"remind_at" json:"remind_at"`
	SentAt    *time.Time `db:"sent_at" json:"sent_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Sent reports whether the reminder reached its terminal state.
func (r Reminder) Sent() bool { return r.SentAt != nil }

// ReminderWithTask is a reminder joined with its owning task.
type ReminderWithTask struct {
	Reminder
	TaskTitle  string     `db:"task_title" json:"task_title"`
	TaskDueAt  *time.Time `db:"task_due_at" json:"task_due_at"`
	TaskStatus string     `db:"task_status" json:"task_status"`
}

type TaskFilter struct {
	Status string
	Limit  int
}

// Job states for the durable dispatch queue.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobDead    = "dead"
)

// DispatchJob is the scheduler's durable record of one reminder dispatch.
type DispatchJob struct {
	ID         string    `db:"id" json:"id"`
	ReminderID int64     `db:"reminder_id" json:"reminder_id"`
	RunAt      time.Time `db:"run_at" json:"run_at"`
	Attempts   int       `db:"attempts" json:"attempts"`
	State      string    `db:"state" json:"state"`
	LastError  string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// JobUpdate moves a job to a new state. RunAt is only applied when non-zero.
type JobUpdate struct {
	ReminderID int64
	State      string
	RunAt      time.Time
	Attempts   int
	LastError  string
}

// AuditEntry records a plan execution or dispatch outcome.
type AuditEntry struct {
	At     time.Time `db:"at" json:"at"`
	Action string    `db:"action" json:"action"`
	Target string    `db:"target" json:"target"`
	OK     int       `db:"ok" json:"ok"`
	Fail   int       `db:"fail" json:"fail"`
	Error  string    `db:"error" json:"error,omitempty"`
	Meta   string    `db:"meta" json:"meta,omitempty"`
}
