package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "planpal/pkg/logx"
)

const (
	sweepTimeout = 15 * time.Second
	sweepLimit   = 500
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var sweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// parseSweep accepts:
//   - cron: "*/1 * * * *", "@every 30s", "@hourly"
//   - Go duration: "30s", "2m"
//   - HH:MM interval: "00:01" (one minute)
func parseSweep(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("sweep schedule required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		sched, err := sweepParser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", raw, err)
		}
		return sched, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", raw)
		}
		return every(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q (use '@every 30s', '30s', '00:01' or a cron expression)", raw)
	}
	return every(d)
}

func every(d time.Duration) (cron.Schedule, error) {
	if d <= 0 {
		return nil, fmt.Errorf("sweep interval must be > 0")
	}
	return cron.Every(d), nil
}

// sweep enqueues due pending jobs that have neither a live timer nor a
// dispatch in flight.
func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	jobs, err := s.store.PendingJobs(ctx, s.now(), sweepLimit)
	if err != nil {
		s.log.Warn("sweep failed", logx.Err(err))
		return
	}

	recovered := 0
	for _, j := range jobs {
		s.tmu.Lock()
		_, armed := s.timers[j.ReminderID]
		_, busy := s.inflight[j.ReminderID]
		running := s.running
		s.tmu.Unlock()
		if !running {
			return
		}
		if armed || busy {
			continue
		}
		recovered++
		s.enqueue(j.ReminderID)
	}
	if recovered > 0 {
		s.log.Info("sweep recovered due jobs", logx.Int("count", recovered))
	}
}
