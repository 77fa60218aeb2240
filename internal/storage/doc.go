// Package storage persists tasks, reminders, dispatch jobs and the audit
// trail in a relational database (SQLite by default, Postgres optionally).
//
// Reminder delivery relies on MarkReminderSent being a conditional update:
// only the first caller flips sent_at from NULL.
package storage
