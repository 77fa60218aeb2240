package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"planpal/internal/eventbus"
	logx "planpal/pkg/logx"
)

const rebuildLimit = 10000

func New(cfg Config, store Store, exec Executor, dispatch DispatchFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		store:       store,
		exec:        exec,
		dispatch:    dispatch,
		timers:      map[int64]*time.Timer{},
		versions:    map[int64]uint64{},
		inflight:    map[int64]struct{}{},
		lastEnqWarn: map[int64]time.Time{},
		now:         time.Now,
	}
}

// Start begins the sweep and re-arms timers for every pending job.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	loc := s.loc
	spec := s.cfg.SweepEvery
	s.mu.Unlock()

	s.tmu.Lock()
	s.running = true
	s.tmu.Unlock()

	jobs, err := s.store.PendingJobs(ctx, time.Time{}, rebuildLimit)
	if err != nil {
		s.Stop(context.Background())
		return err
	}
	for _, j := range jobs {
		s.arm(j.ReminderID, j.RunAt)
	}
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.String("sweep", spec), logx.Int("pending", len(jobs)))
	return nil
}

// Stop halts the sweep and all timers. Pending jobs stay in storage and are
// re-armed on the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps tunables. The sweep is restarted when its spec or timezone
// changes; retry settings apply to the next failure. The old cron is drained
// without holding mu, since a sweep in flight needs mu to enqueue.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := parseSweep(cfg.SweepEvery); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	c := s.c
	if c == nil || (strings.TrimSpace(prev.Timezone) == strings.TrimSpace(cfg.Timezone) && prev.SweepEvery == cfg.SweepEvery) {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.mu.Unlock()

	<-c.Stop().Done()

	s.tmu.Lock()
	running := s.running
	s.tmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop won the race, or another Apply already restarted the sweep.
	if !running || s.c != nil {
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		return err
	}
	s.log.Info("scheduler sweep restarted", logx.String("tz", s.loc.String()), logx.String("sweep", s.cfg.SweepEvery))
	return nil
}

func (s *Service) startCronLocked() error {
	sched, err := parseSweep(s.cfg.SweepEvery)
	if err != nil {
		return err
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	s.sweepID = s.c.Schedule(sched, cron.FuncJob(s.sweep))
	s.c.Start()
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{
		SweepEvery:  cfg.SweepEvery,
		MaxAttempts: cfg.MaxAttempts,
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	} else {
		snap.Timezone = cfg.Timezone
	}
	if s.c != nil {
		snap.NextSweep = s.c.Entry(s.sweepID).Next
	}
	s.mu.Unlock()

	s.tmu.Lock()
	snap.Running = s.running
	snap.Armed = len(s.timers)
	snap.InFlight = len(s.inflight)
	s.tmu.Unlock()

	if counts, err := s.store.JobCounts(ctx); err == nil {
		snap.Jobs = counts
	} else if !errors.Is(err, context.Canceled) {
		s.log.Warn("job counts unavailable", logx.Err(err))
	}
	if s.exec != nil {
		snap.Engine = s.exec.Snapshot()
	}
	return snap
}
