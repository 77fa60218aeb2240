package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"planpal/internal/eventbus"
	logx "planpal/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrNoTransport = errors.New("notifier: no transport configured")

// Service sends messages through a Transport with rate limiting.
//
// It is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	transport Transport
	log       logx.Logger
	bus       eventbus.Bus

	sent    atomic.Uint64
	failed  atomic.Uint64
	deduped atomic.Uint64

	// In-memory dedup cache for alerts: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, transport Transport, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		transport: transport,
		log:       log,
		bus:       bus,
		dedup:     map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.AlertDedupWindow < 0 {
		cfg.AlertDedupWindow = 0
	}
	if cfg.AlertDedupMax <= 0 {
		cfg.AlertDedupMax = 500
	}
	cfg.AlertRecipients = append([]string(nil), cfg.AlertRecipients...)

	// Keep the existing bucket when the rate is unchanged so a reload does not
	// refill it.
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

// TransportName returns the configured transport name, or "" when none.
func (s *Service) TransportName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.Name()
}

// Send delivers one reminder message. It waits for the rate limiter and
// bounds the transport call with the configured send timeout.
func (s *Service) Send(ctx context.Context, subject, body string, recipients []string) error {
	return s.send(ctx, kindReminder, subject, body, recipients)
}

// Alert forwards an operator alert to the alert recipients. Repeats of the
// same text inside the dedup window are dropped silently.
func (s *Service) Alert(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	window := s.cfg.AlertDedupWindow
	maxEntries := s.cfg.AlertDedupMax
	to := append([]string(nil), s.cfg.AlertRecipients...)
	s.mu.Unlock()

	if window > 0 && !s.dedupAllow(alertKey(text), window, maxEntries) {
		s.deduped.Add(1)
		return nil
	}

	subject := "PlanPal alert"
	if line, _, _ := strings.Cut(text, "\n"); line != "" {
		subject = "PlanPal alert: " + truncate(line, 80)
	}
	return s.send(ctx, kindAlert, subject, text, to)
}

func (s *Service) send(ctx context.Context, kind, subject, body string, to []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	tr := s.transport
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if tr == nil {
		return ErrNoTransport
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err := tr.Send(callCtx, subject, body, to)
	cancel()

	now := time.Now()
	item := HistoryItem{At: now, Kind: kind, Subject: subject, To: len(to)}
	ev := NotificationEvent{Transport: tr.Name(), Kind: kind, Subject: subject, At: now}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = err.Error()
		// Alert failures stay at debug so they cannot feed the alert sink.
		if kind == kindAlert {
			s.log.Debug("alert send failed", logx.String("transport", tr.Name()), logx.Err(err))
		} else {
			s.log.Warn("notification send failed", logx.String("transport", tr.Name()), logx.String("subject", subject), logx.Err(err))
		}
		s.appendHistory(item)
		s.publish(eventbus.NotifyFailed, ev)
		return fmt.Errorf("%s: %w", tr.Name(), err)
	}

	s.sent.Add(1)
	s.appendHistory(item)
	s.publish(eventbus.NotifySent, ev)
	s.log.Debug("notification sent", logx.String("transport", tr.Name()), logx.String("kind", kind), logx.Int("to", len(to)))
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	rps := s.cfg.RatePerSec
	s.mu.Unlock()

	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Transport:     s.TransportName(),
		RatePerSec:    rps,
		Sent:          s.sent.Load(),
		Failed:        s.failed.Load(),
		AlertsDeduped: s.deduped.Load(),
		History:       hist,
	}
}

func (s *Service) appendHistory(it HistoryItem) {
	s.mu.Lock()
	max := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func alertKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with the earliest expiry until within cap.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
