package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// ledger keeps the last N outcomes for Snapshot.
type ledger struct {
	mu    sync.Mutex
	items []Outcome
}

func (l *ledger) add(o Outcome, limit int) {
	l.mu.Lock()
	l.items = append(l.items, o)
	if limit > 0 && len(l.items) > limit {
		l.items = append(l.items[:0:0], l.items[len(l.items)-limit:]...)
	}
	l.mu.Unlock()
}

func (l *ledger) recent() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome(nil), l.items...)
}

// keyGate holds one slot per concurrency key for OverlapSkipIfRunning.
type keyGate struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (g *keyGate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return false
	}
	if g.held == nil {
		g.held = make(map[string]struct{})
	}
	g.held[key] = struct{}{}
	return true
}

func (g *keyGate) release(key string) {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
}

// throttle lets one warning through per interval.
type throttle struct{ last atomic.Int64 }

func (t *throttle) allow(now time.Time, every time.Duration) bool {
	prev := t.last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(every) {
		return false
	}
	return t.last.CompareAndSwap(prev, now.UnixNano())
}
