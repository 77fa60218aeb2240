// Package scheduler is the durable reminder dispatch backend.
//
// Submit persists a dispatch job keyed by reminder id and arms an in-memory
// timer for its run time. When a timer fires the dispatch is enqueued on the
// task engine. A cron sweep re-arms due jobs that have no live timer, which
// covers process restarts and timers lost while the engine was busy.
//
// Job lifecycle: pending -> done, or pending -> dead after max attempts (or
// immediately when the dispatch reports a permanent failure).
package scheduler
