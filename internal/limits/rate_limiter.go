package limits

import (
	"errors"
	"sync"
	"time"
)

// ErrExceeded возвращается, когда вызывающий исчерпал свою квоту.
// Stage guard трактует её как таймаут.
var ErrExceeded = errors.New("rate limit exceeded")

// RateLimiter - sliding window лимитер, ключом служит идентификатор вызывающего
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	maxCalls int
	calls    map[string][]time.Time
	now      clock
}

// NewRateLimiter создает лимитер: maxCalls запросов в скользящем окне window
func NewRateLimiter(maxCalls int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:   window,
		maxCalls: maxCalls,
		calls:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow регистрирует попытку вызова для caller и возвращает ErrExceeded,
// если квота в окне исчерпана
func (rl *RateLimiter) Allow(caller string) error {
	if caller == "" {
		caller = "anonymous"
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := rl.calls[caller][:0]
	for _, ts := range rl.calls[caller] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.maxCalls {
		rl.calls[caller] = recent
		return ErrExceeded
	}

	rl.calls[caller] = append(recent, now)
	return nil
}

// Remaining возвращает остаток квоты для caller
func (rl *RateLimiter) Remaining(caller string) int {
	if caller == "" {
		caller = "anonymous"
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	active := 0
	for _, ts := range rl.calls[caller] {
		if ts.After(cutoff) {
			active++
		}
	}

	remaining := rl.maxCalls - active
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset сбрасывает историю вызовов для caller
func (rl *RateLimiter) Reset(caller string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.calls, caller)
}
