package limits

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen возвращается, когда breaker открыт и вызовы вниз не идут.
// Stage guard трактует её как таймаут.
var ErrOpen = errors.New("circuit breaker is open")

// BreakerState - состояние circuit breaker'а
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreakerOptions - параметры breaker'а
type CircuitBreakerOptions struct {
	FailureThreshold int           // отказов в окне до открытия
	RollingWindow    time.Duration // окно подсчёта отказов
	CooldownPeriod   time.Duration // сколько держать open до half-open
	HalfOpenProbes   int           // сколько успешных проб закрывает breaker
}

// DefaultCircuitBreakerOptions возвращает параметры по умолчанию
func DefaultCircuitBreakerOptions() *CircuitBreakerOptions {
	return &CircuitBreakerOptions{
		FailureThreshold: 5,
		RollingWindow:    30 * time.Second,
		CooldownPeriod:   15 * time.Second,
		HalfOpenProbes:   2,
	}
}

// CircuitBreaker защищает downstream зависимость (LLM провайдера)
// от каскадных отказов. Все переходы атомарны под мьютексом.
type CircuitBreaker struct {
	mu       sync.Mutex
	opts     *CircuitBreakerOptions
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probes   int
	now      clock
}

// NewCircuitBreaker создает breaker в состоянии closed
func NewCircuitBreaker(opts *CircuitBreakerOptions) *CircuitBreaker {
	if opts == nil {
		opts = DefaultCircuitBreakerOptions()
	}
	return &CircuitBreaker{
		opts:  opts,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// State возвращает текущее состояние с учётом истёкшего cooldown
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.opts.CooldownPeriod {
		cb.state = BreakerHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// Allow проверяет, можно ли выполнять вызов вниз
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.stateLocked() == BreakerOpen {
		return ErrOpen
	}
	return nil
}

// RecordSuccess фиксирует успешный вызов
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case BreakerHalfOpen:
		cb.probes++
		if cb.probes >= cb.opts.HalfOpenProbes {
			cb.state = BreakerClosed
			cb.failures = nil
			cb.probes = 0
		}
	case BreakerClosed:
		cb.failures = nil
	}
}

// RecordFailure фиксирует отказ; при достижении порога в окне breaker открывается
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.stateLocked() == BreakerHalfOpen {
		// Отказ во время пробы немедленно возвращает в open
		cb.state = BreakerOpen
		cb.openedAt = now
		return
	}

	cutoff := now.Add(-cb.opts.RollingWindow)
	recent := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	cb.failures = append(recent, now)

	if len(cb.failures) >= cb.opts.FailureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.failures = nil
	}
}
