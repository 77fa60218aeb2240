// Package engine runs reminder dispatches on a bounded worker pool with
// retries, per-key overlap suppression and a per-name circuit breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"planpal/internal/eventbus"
	logx "planpal/pkg/logx"

	rtsup "planpal/internal/runtime/supervisor"
)

const warnEvery = 5 * time.Second

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	cur *pool

	gate     keyGate
	breakers breakers
	history  ledger

	inFlight  atomic.Int32
	seq       atomic.Uint64
	fullDrops atomic.Uint64
	staleDrop atomic.Uint64
	fullWarn  throttle
	staleWarn throttle
}

// pool is one Start..Stop generation of workers.
type pool struct {
	jobs chan job
	quit chan struct{}
	sup  *rtsup.Supervisor
	// gone is set when Stop begins and closed once workers exited.
	gone chan struct{}
}

type job struct {
	task    Task
	key     string
	pol     policy
	timeout time.Duration
	queued  time.Time
	gated   bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: normalize(cfg), log: log, bus: bus}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A running pool is rebuilt only when its size
// changes; retry and breaker settings apply to the next enqueue.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil && s.cur.gone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("task engine resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op while running and waits for a
// pending Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.cur != nil {
		gone := s.cur.gone
		s.mu.Unlock()
		if gone == nil {
			return
		}
		select {
		case <-gone:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	cfg := s.cfg
	p := &pool{
		jobs: make(chan job, cfg.QueueSize),
		quit: make(chan struct{}),
		sup:  rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)<<32))
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.work(c, p, rng)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for them or ctx. Queued jobs are
// abandoned without OnDone; the scheduler re-arms them from storage.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.cur
	if p == nil {
		s.mu.Unlock()
		return
	}
	gone := p.gone
	if gone == nil {
		gone = make(chan struct{})
		p.gone = gone
		close(p.quit)
		go s.teardown(p)
	}
	s.mu.Unlock()

	select {
	case <-gone:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) teardown(p *pool) {
	p.sup.Cancel()
	_ = p.sup.Wait(context.Background())
	for drained := false; !drained; {
		select {
		case j := <-p.jobs:
			s.release(j)
		default:
			drained = true
		}
	}
	s.mu.Lock()
	if s.cur == p {
		s.cur = nil
	}
	gone := p.gone
	s.mu.Unlock()
	s.inFlight.Store(0)
	close(gone)
}

// Enqueue hands t to the pool without blocking and fails with ErrQueueFull
// when there is no room.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit is Enqueue with backpressure: it waits for room, ctx or Stop.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	if t.Run == nil {
		return errors.New("engine: task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("engine: task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	stopping := p != nil && p.gone != nil
	s.mu.Unlock()
	switch {
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	j := job{task: t, key: t.key(), pol: resolve(cfg, t.Opt), timeout: t.Timeout, queued: now}
	if j.timeout <= 0 {
		j.timeout = cfg.DefaultTimeout
	}
	out := Outcome{ID: t.ID, Name: t.Name, Key: t.ConcurrencyKey, Started: now}

	if until, open := s.breakers.blocked(t.Name, j.pol, now); open {
		out.Error = "circuit_open"
		s.publish(eventbus.TaskSkipped, now, out)
		s.history.add(out, cfg.HistorySize)
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.String("id", t.ID), logx.Time("until", until))
		return ErrCircuitOpen
	}
	if j.pol.skipIfRunning {
		if !s.gate.acquire(j.key) {
			out.Error = "overlap_skip"
			s.publish(eventbus.TaskSkipped, now, out)
			s.log.Debug("task skipped: key busy", logx.String("task", t.Name), logx.String("key", j.key))
			return ErrOverlapSkip
		}
		j.gated = true
	}

	if !wait {
		select {
		case p.jobs <- j:
			return nil
		default:
			s.release(j)
			s.dropFull(now, out, p)
			return ErrQueueFull
		}
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		s.release(j)
		return ctx.Err()
	case <-p.quit:
		s.release(j)
		return ErrStopping
	}
}

func (s *Service) release(j job) {
	if j.gated {
		s.gate.release(j.key)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.cur
	snap := Snapshot{Running: p != nil && p.gone == nil}
	s.mu.Unlock()

	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.jobs), cap(p.jobs)
	}
	snap.Workers = cfg.Workers
	snap.InFlight = int(s.inFlight.Load())
	snap.DroppedQueueFull = s.fullDrops.Load()
	snap.DroppedStale = s.staleDrop.Load()
	snap.RetryMax = cfg.RetryMax
	snap.DefaultTimeout = cfg.DefaultTimeout
	snap.CircuitTracked, snap.CircuitOpen = s.breakers.counts(time.Now())
	snap.Recent = s.history.recent()
	return snap
}

func (s *Service) publish(typ string, at time.Time, o Outcome) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: o})
	}
}

func (s *Service) dropFull(now time.Time, o Outcome, p *pool) {
	n := s.fullDrops.Add(1)
	o.Error = "queue_full"
	s.publish(eventbus.TaskDropped, now, o)
	if s.fullWarn.allow(now, warnEvery) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", o.Name),
			logx.String("id", o.ID),
			logx.Int("queue_cap", cap(p.jobs)),
			logx.Uint64("dropped_queue_full", n))
	}
}

func (s *Service) dropStale(now time.Time, o Outcome) {
	n := s.staleDrop.Add(1)
	o.Error = "stale_queue_delay"
	s.publish(eventbus.TaskDropped, now, o)
	if s.staleWarn.allow(now, warnEvery) {
		s.log.Warn("task dropped: waited too long",
			logx.String("task", o.Name),
			logx.String("id", o.ID),
			logx.Duration("queue_delay", o.QueueDelay),
			logx.Uint64("dropped_stale", n))
	}
}
