package app

import (
	"context"
	"time"

	"planpal/internal/config"
	"planpal/internal/notifier"
	"planpal/internal/storage"
	"planpal/internal/task/scheduler"
)

// Status is the /api/status payload.
type Status struct {
	Time          time.Time            `json:"time"`
	Storage       string               `json:"storage"`
	SchemaVersion int                  `json:"schema_version"`
	Model         string               `json:"model"`
	PlanDropped   uint64               `json:"plan_items_dropped"`
	AlertsDropped uint64               `json:"alerts_dropped"`
	Scheduler     scheduler.Snapshot   `json:"scheduler"`
	Notifier      notifier.Snapshot    `json:"notifier"`
	RecentAudit   []storage.AuditEntry `json:"recent_audit"`
	Config        config.Config        `json:"config"`
}

func (a *App) Status(ctx context.Context) any {
	st := Status{
		Time:          time.Now().UTC(),
		Storage:       a.store.Driver(),
		Model:         a.gen.Model(),
		PlanDropped:   a.exec.Dropped(),
		AlertsDropped: a.logs.AlertsDropped(),
		Scheduler:     a.sched.Snapshot(ctx),
		Notifier:      a.notif.Snapshot(),
	}
	if v, err := a.store.SchemaVersion(ctx); err == nil {
		st.SchemaVersion = v
	}
	if recent, err := a.store.RecentAudit(ctx, 20); err == nil {
		st.RecentAudit = recent
	}
	if cfg := a.cfgm.Get(); cfg != nil {
		st.Config = cfg.Redacted()
	}
	return st
}
