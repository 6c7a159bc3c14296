package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default limiter settings for a shared model API quota.
const (
	DefaultTokensPerMinute = 100000
	DefaultHeadroom        = 0.9
	defaultWindow          = time.Minute
)

// LimiterConfig configures a Limiter. Zero TokensPerMinute disables the token
// window; zero RequestsPerSecond disables request pacing.
type LimiterConfig struct {
	TokensPerMinute   int
	Headroom          float64
	RequestsPerSecond float64
	Window            time.Duration
}

// Limiter is the process-wide rate-limit state shared by every conversation
// that talks to the same model API. It combines a tokens-per-window budget
// with an optional request pacer.
type Limiter struct {
	mu           sync.Mutex
	budget       int
	window       time.Duration
	windowStart  time.Time
	used         int
	blockedUntil time.Time

	pacer *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a Limiter from cfg, filling in defaults.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Headroom <= 0 || cfg.Headroom > 1 {
		cfg.Headroom = DefaultHeadroom
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	l := &Limiter{
		budget: int(float64(cfg.TokensPerMinute) * cfg.Headroom),
		window: cfg.Window,
		now:    time.Now,
		sleep:  sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		l.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return l
}

// Wait blocks until a call estimated at tokens can be made, reserving the
// estimate in the current window.
func (l *Limiter) Wait(ctx context.Context, tokens int) error {
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	for {
		wait, ok := l.reserve(tokens)
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) reserve(tokens int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now), false
	}
	if l.budget <= 0 {
		return 0, true
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.used = 0
	}
	// An oversized request is admitted into an empty window so it can't block forever.
	if l.used > 0 && l.used+tokens > l.budget {
		return l.windowStart.Add(l.window).Sub(now), false
	}
	l.used += tokens
	return 0, true
}

// Record corrects the reservation made by Wait with the provider-reported
// token count.
func (l *Limiter) Record(estimated, actual int) {
	if actual <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used += actual - estimated
	if l.used < 0 {
		l.used = 0
	}
}

// Penalize blocks every caller for d and starts a fresh, full window once the
// block expires.
func (l *Limiter) Penalize(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
	l.windowStart = time.Time{}
	l.used = 0
}

// Used returns the tokens counted in the current window.
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
