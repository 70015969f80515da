package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradegate/pkg/logger"
)

// errorThreshold is the consecutive-error count that trips the cooldown.
const errorThreshold = 3

// Budget is the outbound call allowance for one exchange.
type Budget struct {
	PerSecond int
	PerMinute int
	Cooldown  time.Duration
}

// DefaultBudgets holds the compiled-in per-exchange budgets. Unknown
// exchanges fall back to the bybit budget.
var DefaultBudgets = map[string]Budget{
	"bybit":   {PerSecond: 10, PerMinute: 120, Cooldown: 5 * time.Second},
	"binance": {PerSecond: 20, PerMinute: 1200, Cooldown: 3 * time.Second},
}

// RateLimiter gates outbound exchange calls per (exchange, endpoint) pair.
// Each pair gets a per-second and a per-minute token bucket; an exchange
// that produced errorThreshold consecutive errors is additionally held in a
// cooldown before the next call proceeds. Admission control is purely
// in-process: each gateway instance manages its own outbound connections.
type RateLimiter struct {
	mu      sync.Mutex
	budgets map[string]Budget
	gates   map[string]*gate
	streaks map[string]*errorStreak
}

type gate struct {
	second *rate.Limiter
	minute *rate.Limiter
}

type errorStreak struct {
	count     int
	lastError time.Time
}

// NewRateLimiter creates a limiter with the given per-exchange budgets.
// Pass nil to use DefaultBudgets.
func NewRateLimiter(budgets map[string]Budget) *RateLimiter {
	if budgets == nil {
		budgets = DefaultBudgets
	}
	return &RateLimiter{
		budgets: budgets,
		gates:   make(map[string]*gate),
		streaks: make(map[string]*errorStreak),
	}
}

func (rl *RateLimiter) budget(exchange string) Budget {
	if b, ok := rl.budgets[exchange]; ok {
		return b
	}
	return DefaultBudgets["bybit"]
}

func (rl *RateLimiter) gateFor(exchange, endpoint string) *gate {
	key := exchange + ":" + endpoint
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if g, ok := rl.gates[key]; ok {
		return g
	}
	b := rl.budget(exchange)
	g := &gate{
		second: rate.NewLimiter(rate.Limit(b.PerSecond), b.PerSecond),
		minute: rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.PerMinute)), b.PerMinute),
	}
	rl.gates[key] = g
	return g
}

// WaitIfNeeded blocks until issuing the next call to the endpoint is within
// budget. It first serves any pending error cooldown, then waits on the
// per-second and per-minute buckets. Returns early only on ctx cancellation.
func (rl *RateLimiter) WaitIfNeeded(ctx context.Context, exchange, endpoint string) error {
	if cooldown, ok := rl.pendingCooldown(exchange); ok {
		logger.WithComponent("ratelimit").WithFields(logger.Fields{
			"exchange": exchange,
			"cooldown": cooldown.String(),
		}).Warn("exchange in error cooldown, holding calls")
		timer := time.NewTimer(cooldown)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		rl.resetStreak(exchange)
	}

	g := rl.gateFor(exchange, endpoint)
	if err := g.second.Wait(ctx); err != nil {
		return err
	}
	return g.minute.Wait(ctx)
}

// RecordError bumps the consecutive-error streak for an exchange.
func (rl *RateLimiter) RecordError(exchange string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.streaks[exchange]
	if !ok {
		s = &errorStreak{}
		rl.streaks[exchange] = s
	}
	s.count++
	s.lastError = time.Now()
	if s.count >= errorThreshold {
		logger.WithComponent("ratelimit").WithFields(logger.Fields{
			"exchange": exchange,
			"errors":   s.count,
		}).Warn("consecutive error threshold reached")
	}
}

// RecordSuccess resets the consecutive-error streak for an exchange.
func (rl *RateLimiter) RecordSuccess(exchange string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.streaks[exchange]; ok && s.count > 0 {
		s.count = 0
	}
}

// ErrorCount returns the current consecutive-error streak for an exchange.
func (rl *RateLimiter) ErrorCount(exchange string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.streaks[exchange]; ok {
		return s.count
	}
	return 0
}

func (rl *RateLimiter) pendingCooldown(exchange string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.streaks[exchange]
	if !ok || s.count < errorThreshold {
		return 0, false
	}
	b := rl.budget(exchange)
	elapsed := time.Since(s.lastError)
	if elapsed >= b.Cooldown {
		s.count = 0
		return 0, false
	}
	// Serve only what is left of the window, not the full cooldown again.
	return b.Cooldown - elapsed, true
}

func (rl *RateLimiter) resetStreak(exchange string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.streaks[exchange]; ok {
		s.count = 0
	}
}
