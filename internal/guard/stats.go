package guard

import (
	"fmt"
	"time"

	"github.com/BetterCallFirewall/Extracton/internal/limits"
)

// Наблюдаемость guard'а: счётчики прогонов и abstention'ов, утилизация
// бюджета, выжимка истории. Всё читается без влияния на исполнение.

// ewmaAlpha - коэффициент экспоненциального сглаживания длительностей
const ewmaAlpha = 0.3

// StageStats - срез состояния одной стадии
type StageStats struct {
	Stage               Stage         `json:"stage"`
	Executions          int64         `json:"executions"`
	Abstentions         int64         `json:"abstentions"`
	FallbacksTaken      int64         `json:"fallbacks_taken"`
	BudgetMs            int64         `json:"budget_ms"`
	BudgetTokens        int           `json:"budget_tokens"`
	MeanRecentMs        int64         `json:"mean_recent_ms"`
	SmoothedMs          int64         `json:"smoothed_ms"`
	Utilization         float64       `json:"utilization"`
	AbstentionThreshold float64       `json:"abstention_threshold"`
	HistoryDepth        int           `json:"history_depth"`
	LastDuration        time.Duration `json:"-"`
}

// GuardStats - общий срез guard'а
type GuardStats struct {
	Health      Health                `json:"health"`
	Shutdown    bool                  `json:"shutdown"`
	Stages      map[Stage]StageStats  `json:"stages"`
	Totals      struct {
		Executions  int64 `json:"executions"`
		Abstentions int64 `json:"abstentions"`
	} `json:"totals"`
}

// GetStats собирает срез по всем стадиям
func (g *Guard) GetStats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GuardStats{
		Health:   g.health,
		Shutdown: g.shutdown,
		Stages:   make(map[Stage]StageStats, len(g.budgets)),
	}

	for stage := range g.budgets {
		st := g.stageStatsLocked(stage)
		stats.Stages[stage] = st
		stats.Totals.Executions += st.Executions
		stats.Totals.Abstentions += st.Abstentions
	}

	return stats
}

// stageStatsLocked считает срез одной стадии под мьютексом
func (g *Guard) stageStatsLocked(stage Stage) StageStats {
	budget := g.effectiveBudgetLocked(stage)

	st := StageStats{
		Stage:               stage,
		Executions:          g.executions[stage],
		Abstentions:         g.abstentions[stage],
		FallbacksTaken:      g.fallbacksTaken[stage],
		BudgetMs:            budget.WallClock.Milliseconds(),
		BudgetTokens:        budget.Tokens,
		AbstentionThreshold: g.abstentionThreshold[stage],
		SmoothedMs:          time.Duration(g.smoothed[stage]).Milliseconds(),
	}

	ring := g.history[stage]
	st.HistoryDepth = len(ring)
	if len(ring) > 0 {
		st.LastDuration = ring[len(ring)-1]
	}

	if len(ring) >= recentWindow {
		recent := ring[len(ring)-recentWindow:]
		var total time.Duration
		for _, d := range recent {
			total += d
		}
		mean := total / recentWindow
		st.MeanRecentMs = mean.Milliseconds()
		if budget.WallClock > 0 {
			st.Utilization = float64(mean) / float64(budget.WallClock)
		}
	}

	return st
}

// UpdateBudgets заменяет бюджеты стадий после валидации
func (g *Guard) UpdateBudgets(budgets map[Stage]Budget) error {
	if err := ValidateBudgets(budgets); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for stage, b := range budgets {
		g.budgets[stage] = b
		g.baseBudgets[stage] = b
		if _, ok := g.abstentionThreshold[stage]; !ok {
			g.abstentionThreshold[stage] = 1.0
			g.abstentionEnabled[stage] = true
		}
	}
	return nil
}

// ValidateBudgets проверяет валидность набора бюджетов
func ValidateBudgets(budgets map[Stage]Budget) error {
	for stage, b := range budgets {
		if b.WallClock < 0 {
			return fmt.Errorf("stage %s: WallClock must not be negative", stage)
		}
		if b.Tokens < 0 {
			return fmt.Errorf("stage %s: Tokens must not be negative", stage)
		}
		if b.WallClock > 5*time.Minute {
			return fmt.Errorf("stage %s: WallClock too large (> 5m)", stage)
		}
		if b.Tokens > 1_000_000 {
			return fmt.Errorf("stage %s: Tokens too large (> 1M)", stage)
		}
	}
	return nil
}

// ResetHistory очищает историю и счётчики стадии
func (g *Guard) ResetHistory(stage Stage) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.history, stage)
	delete(g.smoothed, stage)
	delete(g.executions, stage)
	delete(g.abstentions, stage)
	delete(g.fallbacksTaken, stage)
}

// ═══════════════════════════════════════════════════════════════════════════════
// Оценка состояния системы
// ═══════════════════════════════════════════════════════════════════════════════

// Пороги доли abstention'ов, переключающие состояние системы
const (
	degradedAbstentionRate  = 0.2
	unhealthyAbstentionRate = 0.5
)

// NewHealthEvaluator строит функцию оценки состояния для AdjustLoop:
// открытый circuit breaker - unhealthy, высокая доля abstention'ов
// в последних прогонах - degraded
func NewHealthEvaluator(breaker *limits.CircuitBreaker, g *Guard) func() Health {
	return func() Health {
		if breaker != nil {
			switch breaker.State() {
			case limits.BreakerOpen:
				return HealthUnhealthy
			case limits.BreakerHalfOpen:
				return HealthDegraded
			}
		}

		stats := g.GetStats()
		if stats.Totals.Executions < recentWindow {
			return HealthHealthy
		}

		rate := float64(stats.Totals.Abstentions) / float64(stats.Totals.Executions)
		switch {
		case rate >= unhealthyAbstentionRate:
			return HealthUnhealthy
		case rate >= degradedAbstentionRate:
			return HealthDegraded
		default:
			return HealthHealthy
		}
	}
}
