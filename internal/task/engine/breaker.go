package engine

import (
	"sync"
	"time"
)

// breakers counts consecutive failures per task name. Reaching the trip
// threshold opens the name for tripBase, doubling per further failure up to
// tripMax. A success or tripForgetAt of quiet closes it again.
type breakers struct {
	mu     sync.Mutex
	byName map[string]*breaker
}

type breaker struct {
	fails     int
	lastFail  time.Time
	openUntil time.Time
}

func (b *breakers) get(name string, p policy, now time.Time) *breaker {
	if b.byName == nil {
		b.byName = make(map[string]*breaker)
	}
	br := b.byName[name]
	if br == nil {
		br = &breaker{}
		b.byName[name] = br
	}
	if p.tripForgetAt > 0 && !br.lastFail.IsZero() && now.Sub(br.lastFail) > p.tripForgetAt {
		*br = breaker{}
	}
	return br
}

func (b *breakers) blocked(name string, p policy, now time.Time) (time.Time, bool) {
	if p.trip == 0 || name == "" {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(name, p, now)
	return br.openUntil, now.Before(br.openUntil)
}

// observe records a final task result. Permanent errors are about the item,
// not the transport, and are ignored.
func (b *breakers) observe(name string, p policy, now time.Time, err error) {
	if p.trip == 0 || name == "" || IsNoRetry(err) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(name, p, now)
	if err == nil {
		*br = breaker{}
		return
	}
	br.fails++
	br.lastFail = now
	if br.fails < p.trip {
		return
	}
	d := p.tripBase
	for i := p.trip; i < br.fails && d < p.tripMax; i++ {
		d *= 2
	}
	br.openUntil = now.Add(min(d, p.tripMax))
}

func (b *breakers) counts(now time.Time) (tracked, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, br := range b.byName {
		if now.Before(br.openUntil) {
			open++
		}
	}
	return len(b.byName), open
}
