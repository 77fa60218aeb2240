package plan

import "time"

// DemoDelay is how far ahead demo-mode reminders fire.
const DemoDelay = 60 * time.Second

// Deriver computes reminder fire-times. Its mode is fixed at construction.
type Deriver struct {
	demo bool
	now  func() time.Time
}

// NewDeriver returns a deriver for the given mode. A nil clock uses time.Now.
func NewDeriver(demo bool, clock func() time.Time) *Deriver {
	if clock == nil {
		clock = time.Now
	}
	return &Deriver{demo: demo, now: clock}
}

func (d *Deriver) Demo() bool { return d.demo }

// RemindAt returns dueAt minus the lead time, or now+60s in demo mode. The
// result may already be in the past; the scheduler fires those immediately.
func (d *Deriver) RemindAt(dueAt time.Time, leadMinutes int) time.Time {
	if d.demo {
		return d.now().Add(DemoDelay).UTC()
	}
	if leadMinutes < 0 {
		leadMinutes = 0
	}
	return dueAt.Add(-time.Duration(leadMinutes) * time.Minute).UTC()
}
