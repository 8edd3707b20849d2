// Package supervisor schedules reconnection attempts with exponential
// backoff and classifies disconnect reasons.
package supervisor

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/domain"
	"github.com/petzap/wabridge/pkg/metrics"
)

// Decision is the supervisor's verdict on a disconnect.
type Decision int

const (
	// Retry means a reconnect attempt was scheduled.
	Retry Decision = iota
	// Terminal means the session must be torn down and purged.
	Terminal
)

// Config holds the backoff policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// History tracks per-tenant reconnect totals.
type History struct {
	Attempts             int        `json:"attempts"`
	SuccessfulReconnects int        `json:"successful_reconnects"`
	FailedReconnects     int        `json:"failed_reconnects"`
	LastAttempt          *time.Time `json:"last_attempt,omitempty"`
}

type entry struct {
	attempts int
	timer    *time.Timer
	history  History
}

// Supervisor owns the per-tenant attempt counters and pending timers.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	entries map[domain.TenantKey]*entry
}

func New(cfg Config) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Supervisor{cfg: cfg, entries: make(map[domain.TenantKey]*entry)}
}

// terminal reasons end the session regardless of remaining budget.
func terminal(reason domain.DisconnectReason) bool {
	switch reason {
	case domain.ReasonLoggedOut, domain.ReasonReplaced,
		domain.ReasonBanned, domain.ReasonBadSession:
		return true
	}
	return false
}

// OnDisconnect classifies the reason and either schedules retry via
// time.AfterFunc or reports Terminal. The returned duration is the
// scheduled delay when the decision is Retry.
func (s *Supervisor) OnDisconnect(key domain.TenantKey, reason domain.DisconnectReason, retry func()) (Decision, time.Duration) {
	if terminal(reason) {
		s.mu.Lock()
		if e := s.entries[key]; e != nil {
			e.history.FailedReconnects++
			s.stopTimerLocked(e)
		}
		s.mu.Unlock()
		zap.L().Warn("terminal disconnect",
			zap.String("tenant", key.String()),
			zap.String("reason", string(reason)))
		return Terminal, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	e.attempts++
	now := time.Now()
	e.history.Attempts++
	e.history.LastAttempt = &now
	if e.attempts > s.cfg.MaxAttempts {
		e.history.FailedReconnects++
		s.stopTimerLocked(e)
		zap.L().Warn("reconnect budget exhausted",
			zap.String("tenant", key.String()),
			zap.Int("attempts", e.attempts-1))
		return Terminal, 0
	}

	delay := s.backoff(e.attempts)
	s.stopTimerLocked(e)
	e.timer = time.AfterFunc(delay, retry)
	metrics.ReconnectAttempts.Inc()
	zap.L().Info("reconnect scheduled",
		zap.String("tenant", key.String()),
		zap.Int("attempt", e.attempts),
		zap.Duration("delay", delay))
	return Retry, delay
}

// backoff computes base*multiplier^(attempt-1) capped at MaxDelay,
// plus up to 10% jitter so tenant herds spread out.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := float64(s.cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= s.cfg.Multiplier
		if d >= float64(s.cfg.MaxDelay) {
			d = float64(s.cfg.MaxDelay)
			break
		}
	}
	jitter := d * 0.1 * rand.Float64()
	return time.Duration(d + jitter)
}

// ForceRetry cancels any pending timer and runs retry immediately in
// its own goroutine. The attempt counter is left untouched.
func (s *Supervisor) ForceRetry(key domain.TenantKey, retry func()) {
	s.mu.Lock()
	if e := s.entries[key]; e != nil {
		s.stopTimerLocked(e)
	}
	s.mu.Unlock()
	go retry()
}

// Cancel stops a pending reconnect timer. Safe to call when no timer
// is armed.
func (s *Supervisor) Cancel(key domain.TenantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[key]; e != nil {
		s.stopTimerLocked(e)
	}
}

// Reset marks a successful connect: attempt counter back to zero,
// success recorded.
func (s *Supervisor) Reset(key domain.TenantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	if e.attempts > 0 {
		e.history.SuccessfulReconnects++
	}
	e.attempts = 0
	s.stopTimerLocked(e)
}

// Forget drops all state for the tenant.
func (s *Supervisor) Forget(key domain.TenantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[key]; e != nil {
		s.stopTimerLocked(e)
		delete(s.entries, key)
	}
}

// Attempts returns the current attempt counter.
func (s *Supervisor) Attempts(key domain.TenantKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[key]; e != nil {
		return e.attempts
	}
	return 0
}

// GetHistory returns the reconnect totals for the tenant.
func (s *Supervisor) GetHistory(key domain.TenantKey) History {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[key]; e != nil {
		return e.history
	}
	return History{}
}

func (s *Supervisor) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
