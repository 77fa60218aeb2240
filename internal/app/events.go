package app

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"planpal/internal/dispatch"
	"planpal/internal/eventbus"
	"planpal/internal/storage"
	"planpal/internal/task/scheduler"
	logx "planpal/pkg/logx"
)

// AuditAppender is the storage subset the audit loop writes through.
type AuditAppender interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	runAuditLoop(ctx, events, a.store, a.log)
}

// runAuditLoop records reminder outcomes in the audit table and logs every
// bus event at debug level.
func runAuditLoop(ctx context.Context, events <-chan eventbus.Event, store AuditAppender, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))

			entry, ok := auditEntryFor(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := store.AppendAudit(wctx, entry)
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Warn("audit write failed", logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}

func auditEntryFor(e eventbus.Event) (storage.AuditEntry, bool) {
	entry := storage.AuditEntry{At: e.Time, Action: e.Type}
	switch e.Type {
	case eventbus.ReminderSent, eventbus.ReminderFailed:
		ev, ok := e.Data.(dispatch.Event)
		if !ok {
			return storage.AuditEntry{}, false
		}
		entry.Target = strconv.FormatInt(ev.ReminderID, 10)
		entry.Error = ev.Error
		if ev.Error == "" {
			entry.OK = 1
		} else {
			entry.Fail = 1
		}
		entry.Meta = metaJSON(ev)
	case eventbus.ReminderDead:
		ev, ok := e.Data.(scheduler.ReminderEvent)
		if !ok {
			return storage.AuditEntry{}, false
		}
		entry.Target = strconv.FormatInt(ev.ReminderID, 10)
		entry.Fail = 1
		entry.Error = ev.Error
		entry.Meta = metaJSON(ev)
	default:
		return storage.AuditEntry{}, false
	}
	return entry, true
}

func metaJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
