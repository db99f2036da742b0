package dispatch

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venari/internal/common"
)

// RateLimiter paces requests per domain. Consecutive requests to the same
// domain are separated by a uniformly random base delay; rate-limit responses
// (429/503 by default) double the domain's delay, jittered and capped.
type RateLimiter struct {
	mu      sync.Mutex
	domains map[string]*domainState
	config  common.RateLimiterConfig
	logger  arbor.ILogger
}

// domainState is the backoff state for one domain. nextAttempt only moves
// forward.
type domainState struct {
	mu          sync.Mutex
	delay       time.Duration
	nextAttempt time.Time
}

// NewRateLimiter creates a limiter with the configured delay window
func NewRateLimiter(config common.RateLimiterConfig, logger arbor.ILogger) *RateLimiter {
	return &RateLimiter{
		domains: make(map[string]*domainState),
		config:  config,
		logger:  logger,
	}
}

// Wait blocks until the domain's next-attempt time has passed, then claims
// a new slot with a fresh random base delay. URLs without a parseable host
// pass through unpaced.
func (rl *RateLimiter) Wait(ctx context.Context, rawURL string) error {
	domain := extractDomain(rawURL)
	if domain == "" {
		return nil
	}

	state := rl.stateFor(domain)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	if now.Before(state.nextAttempt) {
		timer := time.NewTimer(state.nextAttempt.Sub(now))
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := time.Now().Add(rl.randomBaseDelay())
	if next.After(state.nextAttempt) {
		state.nextAttempt = next
	}
	return nil
}

// ObserveStatus folds a response status into the domain's backoff state.
// Only configured rate-limit codes change it; everything else leaves the
// state untouched.
func (rl *RateLimiter) ObserveStatus(rawURL string, status int) {
	if !rl.isRateLimitStatus(status) {
		return
	}
	domain := extractDomain(rawURL)
	if domain == "" {
		return
	}

	state := rl.stateFor(domain)

	state.mu.Lock()
	defer state.mu.Unlock()

	doubled := state.delay * 2
	if doubled > rl.config.MaxDelay {
		doubled = rl.config.MaxDelay
	}
	state.delay = doubled

	// Jitter ±20% so synchronized clients spread out
	jittered := float64(doubled) * (0.8 + 0.4*rand.Float64())
	next := time.Now().Add(time.Duration(jittered))
	if next.After(state.nextAttempt) {
		state.nextAttempt = next
	}

	rl.logger.Debug().
		Str("domain", domain).
		Int("status", status).
		Dur("delay", state.delay).
		Msg("Backing off rate-limited domain")
}

// Do runs fn under per-domain pacing, retrying on rate-limit statuses up to
// MaxRetries. Non-rate-limit errors and statuses return immediately.
func (rl *RateLimiter) Do(ctx context.Context, rawURL string, fn func() (int, error)) (int, error) {
	var status int
	var err error

	for attempt := 0; attempt <= rl.config.MaxRetries; attempt++ {
		if waitErr := rl.Wait(ctx, rawURL); waitErr != nil {
			return 0, waitErr
		}

		status, err = fn()
		if err != nil {
			return status, err
		}
		if !rl.isRateLimitStatus(status) {
			return status, nil
		}

		rl.ObserveStatus(rawURL, status)
		rl.logger.Debug().
			Str("url", rawURL).
			Int("status", status).
			Int("attempt", attempt+1).
			Msg("Rate limited, retrying")
	}

	rl.logger.Warn().
		Str("url", rawURL).
		Int("status", status).
		Int("max_retries", rl.config.MaxRetries).
		Msg("Rate limit retries exhausted")
	return status, nil
}

// DomainDelay returns the current backoff delay for a domain
func (rl *RateLimiter) DomainDelay(domain string) time.Duration {
	rl.mu.Lock()
	state, ok := rl.domains[domain]
	rl.mu.Unlock()
	if !ok {
		return rl.initialDelay()
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.delay
}

func (rl *RateLimiter) stateFor(domain string) *domainState {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.domains[domain]
	if !ok {
		state = &domainState{delay: rl.initialDelay()}
		rl.domains[domain] = state
	}
	return state
}

// initialDelay is the midpoint of the base window, the seed the exponential
// backoff doubles from
func (rl *RateLimiter) initialDelay() time.Duration {
	return (rl.config.BaseDelayMin + rl.config.BaseDelayMax) / 2
}

func (rl *RateLimiter) randomBaseDelay() time.Duration {
	lo, hi := rl.config.BaseDelayMin, rl.config.BaseDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (rl *RateLimiter) isRateLimitStatus(status int) bool {
	for _, code := range rl.config.RateLimitCodes {
		if status == code {
			return true
		}
	}
	return false
}

// extractDomain parses the host from a URL
func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
