// Package plan turns a generator's raw day-plan into validated items, derives
// reminder fire-times, and executes the plan by persisting tasks and reminders
// and submitting one dispatch per reminder.
package plan

import "time"

// DefaultRemindMinutes is the lead time used when an item does not carry a
// usable remind_minutes_before.
const DefaultRemindMinutes = 30

// Plan is the validated form of one generator response.
type Plan struct {
	Date  string `json:"date"`
	Tasks []Item `json:"tasks"`
}

// Item is one validated plan entry. Category is always in the fixed set and
// Color is derived from it.
type Item struct {
	Title               string    `json:"title"`
	Category            string    `json:"category"`
	Color               string    `json:"color"`
	DueAt               time.Time `json:"due_at"`
	RemindMinutesBefore int       `json:"remind_minutes_before"`
}

// ValidationReport lists the raw items Validate dropped.
type ValidationReport struct {
	Total   int    `json:"total"`
	Dropped []Drop `json:"dropped,omitempty"`
}

type Drop struct {
	Index  int    `json:"index"`
	Title  string `json:"title,omitempty"`
	Reason string `json:"reason"`
}

// Drop reasons.
const (
	ReasonNotObject = "not_an_object"
	ReasonNoTitle   = "missing_title"
	ReasonNoDueAt   = "missing_due_at"
	ReasonBadDueAt  = "unparsable_due_at"
)

// CreatedItem describes one task+reminder pair persisted by Execute.
type CreatedItem struct {
	TaskID              int64     `json:"task_id"`
	ReminderID          int64     `json:"reminder_id"`
	Title               string    `json:"title"`
	Category            string    `json:"category"`
	DueAt               time.Time `json:"due_at"`
	RemindAt            time.Time `json:"remind_at"`
	RemindMinutesBefore int       `json:"remind_minutes_before"`
}

// Result is the response of one plan execution.
type Result struct {
	Plan    Plan          `json:"plan"`
	Created []CreatedItem `json:"created"`
}
