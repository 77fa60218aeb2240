package plan

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"planpal/internal/eventbus"
	"planpal/internal/storage"
	logx "planpal/pkg/logx"
)

// Generator turns a prompt into a raw plan (decoded JSON object).
type Generator interface {
	Generate(ctx context.Context, prompt string) (map[string]any, error)
}

// Store is the persistence Execute needs. *storage.Store satisfies it.
type Store interface {
	CreateTask(ctx context.Context, title string, dueAt *time.Time) (storage.Task, error)
	CreateReminder(ctx context.Context, taskID int64, remindAt time.Time) (storage.Reminder, error)
	DeleteTask(ctx context.Context, id int64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Scheduler accepts one dispatch request per reminder.
type Scheduler interface {
	Submit(ctx context.Context, reminderID int64, at time.Time) error
}

// ExecutedEvent is the payload of eventbus.PlanExecuted.
type ExecutedEvent struct {
	Date    string `json:"date"`
	Created int    `json:"created"`
	Dropped int    `json:"dropped"`
	Failed  int    `json:"failed"`
}

type Executor struct {
	gen       Generator
	validator *Validator
	deriver   *Deriver
	store     Store
	sched     Scheduler
	log       logx.Logger
	bus       eventbus.Bus

	dropped atomic.Uint64
}

type ExecutorOptions struct {
	Generator Generator
	Validator *Validator
	Deriver   *Deriver
	Store     Store
	Scheduler Scheduler
	Log       logx.Logger
	Bus       eventbus.Bus
}

func NewExecutor(o ExecutorOptions) *Executor {
	if o.Validator == nil {
		o.Validator = NewValidator(time.UTC)
	}
	if o.Deriver == nil {
		o.Deriver = NewDeriver(false, nil)
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return &Executor{
		gen:       o.Generator,
		validator: o.Validator,
		deriver:   o.Deriver,
		store:     o.Store,
		sched:     o.Scheduler,
		log:       o.Log,
		bus:       o.Bus,
	}
}

// Dropped returns the number of plan items dropped since process start,
// whether by validation or by a per-item storage/submit failure.
func (e *Executor) Dropped() uint64 { return e.dropped.Load() }

// Execute generates a plan for prompt, persists one task and reminder per
// valid item and submits each reminder for dispatch. Items are processed in
// order and independently: a failed item is logged and skipped.
func (e *Executor) Execute(ctx context.Context, prompt string) (Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Result{}, &InputError{Err: ErrPromptRequired}
	}

	raw, err := e.gen.Generate(ctx, prompt)
	if err != nil {
		return Result{}, &GenerationError{Err: err}
	}

	p, rep := e.validator.Validate(raw)
	for _, d := range rep.Dropped {
		e.log.Warn("plan item dropped", logx.Int("index", d.Index), logx.String("title", d.Title), logx.String("reason", d.Reason))
	}

	res := Result{Plan: p, Created: []CreatedItem{}}
	failed := 0
	for i, item := range p.Tasks {
		ci, err := e.persist(ctx, item)
		if err != nil {
			failed++
			e.log.Error("plan item not persisted", logx.Int("index", i), logx.String("title", item.Title), logx.Err(err))
			continue
		}
		res.Created = append(res.Created, ci)
	}

	dropped := len(rep.Dropped)
	if n := dropped + failed; n > 0 {
		e.dropped.Add(uint64(n))
	}
	e.record(ctx, p.Date, len(res.Created), dropped, failed)

	e.log.Info("plan executed",
		logx.String("date", p.Date),
		logx.Int("created", len(res.Created)),
		logx.Int("dropped", dropped),
		logx.Int("failed", failed),
		logx.Bool("demo", e.deriver.Demo()),
	)
	return res, nil
}

// persist stores one item and submits its reminder. On failure after the
// task row exists, the task (and its reminder, by cascade) is removed so a
// failed item leaves nothing behind.
func (e *Executor) persist(ctx context.Context, item Item) (CreatedItem, error) {
	due := item.DueAt
	task, err := e.store.CreateTask(ctx, item.Title, &due)
	if err != nil {
		return CreatedItem{}, err
	}
	remindAt := e.deriver.RemindAt(item.DueAt, item.RemindMinutesBefore)
	rem, err := e.store.CreateReminder(ctx, task.ID, remindAt)
	if err != nil {
		return CreatedItem{}, e.discard(task.ID, err)
	}
	if err := e.sched.Submit(ctx, rem.ID, rem.RemindAt); err != nil {
		return CreatedItem{}, e.discard(task.ID, err)
	}
	return CreatedItem{
		TaskID:              task.ID,
		ReminderID:          rem.ID,
		Title:               task.Title,
		Category:            item.Category,
		DueAt:               due.UTC(),
		RemindAt:            rem.RemindAt,
		RemindMinutesBefore: item.RemindMinutesBefore,
	}, nil
}

// discard deletes a half-persisted task. It runs detached from the request
// context, whose cancellation may be what failed the item.
func (e *Executor) discard(taskID int64, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.DeleteTask(ctx, taskID); err != nil {
		e.log.Error("rolling back task failed", logx.Int64("task_id", taskID), logx.Err(err))
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Executor) record(ctx context.Context, date string, created, dropped, failed int) {
	ev := ExecutedEvent{Date: date, Created: created, Dropped: dropped, Failed: failed}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.PlanExecuted, Time: time.Now(), Data: ev})
	}
	meta, _ := json.Marshal(ev)
	entry := storage.AuditEntry{
		Action: eventbus.PlanExecuted,
		Target: date,
		OK:     created,
		Fail:   dropped + failed,
		Meta:   string(meta),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.log.Warn("audit write failed", logx.Err(err))
	}
}
