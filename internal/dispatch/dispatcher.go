// Package dispatch delivers one reminder at most once.
//
// Callers in one process are serialized per reminder. Across processes a
// leased claim on the row admits a single sender; the sent marker is then
// committed with a conditional update, so a loser reports already_sent or
// ErrInProgress and never reaches the transport.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"planpal/internal/eventbus"
	"planpal/internal/storage"
	"planpal/internal/task/engine"
	logx "planpal/pkg/logx"
)

type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeAlreadySent Outcome = "already_sent"
)

// DefaultRecipient receives reminders when none are configured.
const DefaultRecipient = "you@demo.local"

// claimLease bounds how long a crashed sender can block a reminder.
const claimLease = 2 * time.Minute

var (
	ErrNotFound = errors.New("reminder not found")
	// ErrInProgress means another process holds the send lease.
	ErrInProgress = errors.New("reminder dispatch in progress elsewhere")
)

// TransportError wraps a failed send. The reminder is left unsent.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Store is the persistence the dispatcher needs. *storage.Store satisfies it.
type Store interface {
	GetReminder(ctx context.Context, id int64) (storage.ReminderWithTask, error)
	ClaimReminder(ctx context.Context, id int64, now, until time.Time) (bool, error)
	ReleaseReminder(ctx context.Context, id int64) error
	MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Transport delivers one notification.
type Transport interface {
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// Event is the payload of reminder.sent and reminder.failed.
type Event struct {
	ReminderID int64  `json:"reminder_id"`
	TaskID     int64  `json:"task_id"`
	Title      string `json:"title"`
	Outcome    string `json:"outcome,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Dispatcher struct {
	store      Store
	transport  Transport
	recipients []string
	log        logx.Logger
	bus        eventbus.Bus
	now        func() time.Time

	lmu   sync.Mutex
	locks map[int64]*reminderLock
}

type reminderLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store, transport Transport, recipients []string, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store:      store,
		transport:  transport,
		recipients: normalizeRecipients(recipients),
		log:        log,
		bus:        bus,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      map[int64]*reminderLock{},
	}
}

// lock serializes Dispatch calls for one reminder and returns the unlock.
func (d *Dispatcher) lock(id int64) func() {
	d.lmu.Lock()
	l := d.locks[id]
	if l == nil {
		l = &reminderLock{}
		d.locks[id] = l
	}
	l.refs++
	d.lmu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.lmu.Lock()
		if l.refs--; l.refs == 0 {
			delete(d.locks, id)
		}
		d.lmu.Unlock()
	}
}

func normalizeRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		out = append(out, DefaultRecipient)
	}
	return out
}

// Dispatch loads the reminder, sends it unless already sent, and records the
// send. A reminder that does not exist yields ErrNotFound.
func (d *Dispatcher) Dispatch(ctx context.Context, reminderID int64) (Outcome, error) {
	defer d.lock(reminderID)()

	r, err := d.store.GetReminder(ctx, reminderID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reminder %d: %w", reminderID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if r.Sent() {
		d.log.Debug("reminder already sent", logx.Int64("reminder_id", reminderID))
		return OutcomeAlreadySent, nil
	}

	now := d.now()
	claimed, err := d.store.ClaimReminder(ctx, reminderID, now, now.Add(claimLease))
	if err != nil {
		return "", fmt.Errorf("claiming reminder: %w", err)
	}
	if !claimed {
		return d.lostClaim(ctx, reminderID)
	}

	subject, body := Compose(r)
	if err := d.transport.Send(ctx, subject, body, d.recipients); err != nil {
		d.release(reminderID)
		d.publish(eventbus.ReminderFailed, Event{ReminderID: r.ID, TaskID: r.TaskID, Title: r.TaskTitle, Error: err.Error()})
		return "", &TransportError{Err: err}
	}

	marked, err := d.store.MarkReminderSent(ctx, reminderID, d.now())
	if err != nil {
		return "", fmt.Errorf("recording send: %w", err)
	}
	if !marked {
		d.log.Warn("reminder marked sent by another sender", logx.Int64("reminder_id", reminderID))
		return OutcomeAlreadySent, nil
	}

	d.log.Info("reminder sent", logx.Int64("reminder_id", reminderID), logx.String("title", r.TaskTitle), logx.Int("recipients", len(d.recipients)))
	d.publish(eventbus.ReminderSent, Event{ReminderID: r.ID, TaskID: r.TaskID, Title: r.TaskTitle, Outcome: string(OutcomeSent)})
	return OutcomeSent, nil
}

// lostClaim tells a reminder sent between load and claim apart from one
// still leased to another process.
func (d *Dispatcher) lostClaim(ctx context.Context, reminderID int64) (Outcome, error) {
	r, err := d.store.GetReminder(ctx, reminderID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("reminder %d: %w", reminderID, ErrNotFound)
	case err != nil:
		return "", err
	case r.Sent():
		return OutcomeAlreadySent, nil
	}
	d.log.Info("reminder leased by another sender", logx.Int64("reminder_id", reminderID))
	return "", fmt.Errorf("reminder %d: %w", reminderID, ErrInProgress)
}

// release frees the lease so the next attempt need not wait it out. It runs
// detached from ctx, which may be the reason the send failed.
func (d *Dispatcher) release(reminderID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.ReleaseReminder(ctx, reminderID); err != nil {
		d.log.Warn("releasing reminder claim failed", logx.Int64("reminder_id", reminderID), logx.Err(err))
	}
}

// Run adapts Dispatch for the scheduler: a missing reminder is permanent.
func (d *Dispatcher) Run(ctx context.Context, reminderID int64) error {
	_, err := d.Dispatch(ctx, reminderID)
	if errors.Is(err, ErrNotFound) {
		return engine.NoRetry(err)
	}
	return err
}

// Compose renders the reminder subject and plain-text body.
func Compose(r storage.ReminderWithTask) (subject, body string) {
	due := "not set"
	if r.TaskDueAt != nil {
		due = r.TaskDueAt.UTC().Format(time.RFC3339)
	}
	subject = "PlanPal Reminder: " + r.TaskTitle
	body = fmt.Sprintf("Task: %s\nDue at: %s\nReminder time: %s\n",
		r.TaskTitle, due, r.RemindAt.UTC().Format(time.RFC3339))
	return subject, body
}

func (d *Dispatcher) publish(typ string, ev Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: ev})
}
