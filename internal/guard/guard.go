package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/BetterCallFirewall/Extracton/internal/limits"
)

// Stage - именованная стадия пайплайна
type Stage string

const (
	StageContractGeneration Stage = "contract_generation"
	StageAugmentation       Stage = "augmentation"
	StageValidation         Stage = "validation"
	StageNegotiation        Stage = "schema_negotiation"
	StageDeterministic      Stage = "deterministic_track"
)

// ErrBudgetExceeded - базовая ошибка превышения бюджета стадии
var ErrBudgetExceeded = errors.New("stage budget exceeded")

// ErrNoFallback возвращается, когда abstention для стадии выключен
var ErrNoFallback = errors.New("no fallback registered for stage")

// BudgetExceededError - структурированный сигнал "budget exceeded"
type BudgetExceededError struct {
	Stage Stage
	Kind  string // "time" или "tokens"
	Limit int64
	Used  int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("stage %s exceeded %s budget: used %d of %d", e.Stage, e.Kind, e.Used, e.Limit)
}

func (e *BudgetExceededError) Unwrap() error {
	return ErrBudgetExceeded
}

// Budget - бюджет стадии: токены и wall-clock
type Budget struct {
	Tokens    int
	WallClock time.Duration
}

// DefaultBudgets возвращает бюджеты стадий по умолчанию
func DefaultBudgets() map[Stage]Budget {
	return map[Stage]Budget{
		StageContractGeneration: {Tokens: 500, WallClock: 800 * time.Millisecond},
		StageAugmentation:       {Tokens: 400, WallClock: 1200 * time.Millisecond},
		StageValidation:         {Tokens: 100, WallClock: 600 * time.Millisecond},
		StageNegotiation:        {Tokens: 300, WallClock: 1000 * time.Millisecond},
		StageDeterministic:      {Tokens: 0, WallClock: 500 * time.Millisecond},
	}
}

// Минимальные остатки, при которых последовательность прерывается досрочно
const (
	minSequenceWallClock = 200 * time.Millisecond
	minSequenceTokens    = 50
)

// historyCap - размер кольца длительностей на стадию
const historyCap = 100

// recentWindow - сколько последних замеров участвует в pre-execution проверке
const recentWindow = 5

// Health - состояние системы для адаптивного масштабирования бюджетов
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// healthScale - множители бюджета по состоянию системы
var healthScale = map[Health]float64{
	HealthHealthy:   1.0,
	HealthDegraded:  0.8,
	HealthUnhealthy: 0.6,
}

// Outcome - итог прогона стадии под guard'ом
type Outcome struct {
	Stage      Stage
	Abstained  bool
	Reason     string
	Duration   time.Duration
	TokensUsed int
}

// EventFunc вызывается на каждый budget/fallback сигнал (для телеметрии)
type EventFunc func(stage Stage, kind, reason string)

// Guard следит за бюджетами стадий, историей длительностей и abstention'ом.
// История и состояние разделяются между запросами, доступ защищён мьютексом.
type Guard struct {
	mu                  sync.Mutex
	budgets             map[Stage]Budget
	baseBudgets         map[Stage]Budget
	fallbacks           map[Stage]func() any
	abstentionEnabled   map[Stage]bool
	abstentionThreshold map[Stage]float64
	history             map[Stage][]time.Duration
	smoothed            map[Stage]float64
	executions          map[Stage]int64
	abstentions         map[Stage]int64
	fallbacksTaken      map[Stage]int64
	health              Health
	onEvent             EventFunc
	shutdown            bool
}

// New создает guard с бюджетами по умолчанию
func New() *Guard {
	return NewWithBudgets(DefaultBudgets())
}

// NewWithBudgets создает guard с заданными бюджетами
func NewWithBudgets(budgets map[Stage]Budget) *Guard {
	g := &Guard{
		budgets:             make(map[Stage]Budget, len(budgets)),
		baseBudgets:         make(map[Stage]Budget, len(budgets)),
		fallbacks:           make(map[Stage]func() any),
		abstentionEnabled:   make(map[Stage]bool),
		abstentionThreshold: make(map[Stage]float64),
		history:             make(map[Stage][]time.Duration),
		smoothed:            make(map[Stage]float64),
		executions:          make(map[Stage]int64),
		abstentions:         make(map[Stage]int64),
		fallbacksTaken:      make(map[Stage]int64),
		health:              HealthHealthy,
	}
	for stage, b := range budgets {
		g.budgets[stage] = b
		g.baseBudgets[stage] = b
		g.abstentionEnabled[stage] = true
		g.abstentionThreshold[stage] = 1.0
	}
	return g
}

// OnEvent регистрирует приёмник budget/fallback событий
func (g *Guard) OnEvent(fn EventFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEvent = fn
}

// RegisterFallback регистрирует fallback стадии, возвращаемый при abstention
func (g *Guard) RegisterFallback(stage Stage, fn func() any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallbacks[stage] = fn
}

// SetAbstention включает/выключает abstention для стадии
func (g *Guard) SetAbstention(stage Stage, enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abstentionEnabled[stage] = enabled
}

// Budget возвращает действующий бюджет стадии с учётом health-масштаба
func (g *Guard) Budget(stage Stage) Budget {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveBudgetLocked(stage)
}

func (g *Guard) effectiveBudgetLocked(stage Stage) Budget {
	if g.shutdown {
		return Budget{}
	}

	b := g.budgets[stage]
	scale := healthScale[g.health]
	return Budget{
		Tokens:    int(float64(b.Tokens) * scale),
		WallClock: time.Duration(float64(b.WallClock) * scale),
	}
}

// SetHealth устанавливает состояние системы; бюджеты масштабируются
// 1.0 / 0.8 / 0.6 для healthy / degraded / unhealthy
func (g *Guard) SetHealth(h Health) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := healthScale[h]; ok {
		g.health = h
	}
}

// EmergencyShutdown обнуляет все бюджеты: каждый последующий Execute
// немедленно abstain'ится
func (g *Guard) EmergencyShutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdown = true
	log.Printf("🛑 Stage guard emergency shutdown: all budgets zeroed")
}

// recordDuration пишет длительность в кольцо истории стадии
// и обновляет экспоненциально сглаженное значение
func (g *Guard) recordDuration(stage Stage, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ring := append(g.history[stage], d)
	if len(ring) > historyCap {
		ring = ring[len(ring)-historyCap:]
	}
	g.history[stage] = ring

	if prev, ok := g.smoothed[stage]; ok {
		g.smoothed[stage] = ewmaAlpha*float64(d) + (1-ewmaAlpha)*prev
	} else {
		g.smoothed[stage] = float64(d)
	}
}

// countExecution учитывает один прогон стадии
func (g *Guard) countExecution(stage Stage) {
	g.mu.Lock()
	g.executions[stage]++
	g.mu.Unlock()
}

// countAbstention учитывает abstention; taken = true когда fallback вернулся
func (g *Guard) countAbstention(stage Stage, taken bool) {
	g.mu.Lock()
	g.abstentions[stage]++
	if taken {
		g.fallbacksTaken[stage]++
	}
	g.mu.Unlock()
}

// History возвращает копию истории длительностей стадии
func (g *Guard) History(stage Stage) []time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Duration(nil), g.history[stage]...)
}

// shouldAbstainBeforeStart - pre-execution проверка: если среднее последних
// замеров превышает threshold × budget, стадия abstain'ится не начиная работу
func (g *Guard) shouldAbstainBeforeStart(stage Stage, budget Budget) bool {
	if budget.WallClock <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ring := g.history[stage]
	if len(ring) < recentWindow {
		return false
	}

	recent := ring[len(ring)-recentWindow:]
	var total time.Duration
	for _, d := range recent {
		total += d
	}
	mean := total / recentWindow

	threshold := g.abstentionThreshold[stage]
	return float64(mean) > threshold*float64(budget.WallClock)
}

// emit отправляет событие приёмнику, если он зарегистрирован
func (g *Guard) emit(stage Stage, kind, reason string) {
	g.mu.Lock()
	fn := g.onEvent
	g.mu.Unlock()
	if fn != nil {
		fn(stage, kind, reason)
	}
}

// fallbackValue достаёт зарегистрированный fallback стадии
func (g *Guard) fallbackValue(stage Stage) (any, bool) {
	g.mu.Lock()
	fn, ok := g.fallbacks[stage]
	abstention := g.abstentionEnabled[stage]
	g.mu.Unlock()

	if !ok || !abstention {
		return nil, false
	}
	return fn(), true
}

// StageFunc - работа стадии: возвращает значение и израсходованные токены
type StageFunc[T any] func(ctx context.Context) (T, int, error)

// Execute запускает fn под бюджетом стадии. Гонка с таймаутом из бюджета;
// при превышении времени или токенов - структурированный сигнал и, если
// abstention включён, значение зарегистрированного fallback'а.
func Execute[T any](ctx context.Context, g *Guard, stage Stage, fn StageFunc[T]) (T, Outcome, error) {
	var zero T
	budget := g.Budget(stage)
	g.countExecution(stage)

	if g.shouldAbstainBeforeStart(stage, budget) {
		return abstain[T](g, stage, "pre_execution_budget_check", 0, 0)
	}

	runCtx, cancel := context.WithTimeout(ctx, budget.WallClock)
	defer cancel()

	type result struct {
		value  T
		tokens int
		err    error
	}
	done := make(chan result, 1)

	start := time.Now()
	go func() {
		value, tokens, err := fn(runCtx)
		done <- result{value: value, tokens: tokens, err: err}
	}()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		g.recordDuration(stage, elapsed)

		if res.err != nil {
			// Отказы breaker'а и rate limiter'а трактуются как таймаут
			timedOut := errors.Is(res.err, context.DeadlineExceeded) ||
				errors.Is(res.err, limits.ErrOpen) || errors.Is(res.err, limits.ErrExceeded)
			if timedOut && ctx.Err() == nil {
				g.emit(stage, "budget_event", "time_budget_exceeded")
				value, outcome, err := abstain[T](g, stage, "time_budget_exceeded", elapsed, res.tokens)
				if err != nil {
					return zero, outcome, &BudgetExceededError{
						Stage: stage, Kind: "time", Limit: budget.WallClock.Milliseconds(), Used: elapsed.Milliseconds(),
					}
				}
				return value, outcome, nil
			}
			return zero, Outcome{Stage: stage, Duration: elapsed, TokensUsed: res.tokens}, res.err
		}

		if budget.Tokens > 0 && res.tokens > budget.Tokens {
			g.emit(stage, "budget_event", "token_budget_exceeded")
			value, outcome, err := abstain[T](g, stage, "token_budget_exceeded", elapsed, res.tokens)
			if err != nil {
				return zero, outcome, &BudgetExceededError{
					Stage: stage, Kind: "tokens", Limit: int64(budget.Tokens), Used: int64(res.tokens),
				}
			}
			return value, outcome, nil
		}

		return res.value, Outcome{Stage: stage, Duration: elapsed, TokensUsed: res.tokens}, nil

	case <-runCtx.Done():
		elapsed := time.Since(start)
		g.recordDuration(stage, elapsed)

		if ctx.Err() != nil {
			// Отменили весь запрос - это не abstention
			return zero, Outcome{Stage: stage, Duration: elapsed}, ctx.Err()
		}

		g.emit(stage, "budget_event", "time_budget_exceeded")
		value, outcome, err := abstain[T](g, stage, "time_budget_exceeded", elapsed, 0)
		if err != nil {
			return zero, outcome, &BudgetExceededError{
				Stage: stage, Kind: "time", Limit: budget.WallClock.Milliseconds(), Used: elapsed.Milliseconds(),
			}
		}
		return value, outcome, nil
	}
}

// abstain возвращает fallback стадии либо ошибку, если abstention выключен
func abstain[T any](g *Guard, stage Stage, reason string, elapsed time.Duration, tokens int) (T, Outcome, error) {
	var zero T
	outcome := Outcome{Stage: stage, Abstained: true, Reason: reason, Duration: elapsed, TokensUsed: tokens}

	raw, ok := g.fallbackValue(stage)
	if !ok {
		g.countAbstention(stage, false)
		return zero, outcome, fmt.Errorf("%w: %s (%s)", ErrNoFallback, stage, reason)
	}

	value, ok := raw.(T)
	if !ok {
		g.countAbstention(stage, false)
		return zero, outcome, fmt.Errorf("fallback for stage %s has wrong type %T", stage, raw)
	}

	g.countAbstention(stage, true)
	g.emit(stage, "fallback_taken", reason)
	log.Printf("⚠️ Stage %s abstained (%s), fallback taken", stage, reason)
	return value, outcome, nil
}

// SeqStage - элемент последовательного исполнения
type SeqStage struct {
	Stage Stage
	Run   func(ctx context.Context) (any, int, error)
}

// SeqResult - результат одного элемента последовательности
type SeqResult struct {
	Stage   Stage
	Value   any
	Outcome Outcome
	Err     error
	Skipped bool
}

// ExecuteSequence выполняет стадии последовательно, адаптируя бюджет каждой
// к остатку общего. Когда остаток меньше минимума, последовательность
// завершается досрочно и возвращает то, что успела.
func ExecuteSequence(ctx context.Context, g *Guard, stages []SeqStage, overall Budget) []SeqResult {
	results := make([]SeqResult, 0, len(stages))
	remaining := overall

	for _, st := range stages {
		if remaining.WallClock < minSequenceWallClock || (overall.Tokens > 0 && remaining.Tokens < minSequenceTokens) {
			log.Printf("⚪️ Sequence stopped before %s: remaining budget below minimum", st.Stage)
			results = append(results, SeqResult{Stage: st.Stage, Skipped: true})
			break
		}

		stageBudget := g.Budget(st.Stage)
		if stageBudget.WallClock > remaining.WallClock {
			stageBudget.WallClock = remaining.WallClock
		}
		if overall.Tokens > 0 && stageBudget.Tokens > remaining.Tokens {
			stageBudget.Tokens = remaining.Tokens
		}

		runCtx, cancel := context.WithTimeout(ctx, stageBudget.WallClock)
		start := time.Now()
		value, tokens, err := st.Run(runCtx)
		cancel()

		elapsed := time.Since(start)
		g.recordDuration(st.Stage, elapsed)

		outcome := Outcome{Stage: st.Stage, Duration: elapsed, TokensUsed: tokens}
		results = append(results, SeqResult{Stage: st.Stage, Value: value, Outcome: outcome, Err: err})

		remaining.WallClock -= elapsed
		remaining.Tokens -= tokens
	}

	return results
}

// AdjustLoop - периодическая задача адаптации: масштабирует бюджеты по health
// и ужесточает abstention threshold на 0.1 для стадий с утилизацией > 0.9
func (g *Guard) AdjustLoop(ctx context.Context, interval time.Duration, healthFn func() Health) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.adjustOnce(healthFn())
		case <-ctx.Done():
			return
		}
	}
}

// adjustOnce выполняет один шаг адаптации
func (g *Guard) adjustOnce(h Health) {
	g.SetHealth(h)

	g.mu.Lock()
	defer g.mu.Unlock()

	for stage, ring := range g.history {
		if len(ring) < recentWindow {
			continue
		}

		budget := g.budgets[stage]
		if budget.WallClock <= 0 {
			continue
		}

		recent := ring[len(ring)-recentWindow:]
		var total time.Duration
		for _, d := range recent {
			total += d
		}
		utilization := float64(total/recentWindow) / float64(budget.WallClock)

		if utilization > 0.9 {
			next := g.abstentionThreshold[stage] - 0.1
			if next < 0.5 {
				next = 0.5
			}
			g.abstentionThreshold[stage] = next
		}
	}
}
