package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Extracton/internal/limits"
)

func TestGetStats_CountsExecutionsAndAbstentions(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	g.RegisterFallback(StageContractGeneration, func() any { return "fallback" })

	_, _, err := Execute(context.Background(), g, StageContractGeneration,
		func(ctx context.Context) (string, int, error) { return "ok", 10, nil })
	require.NoError(t, err)

	// Токены превышены - abstention с fallback'ом
	_, _, err = Execute(context.Background(), g, StageContractGeneration,
		func(ctx context.Context) (string, int, error) { return "over", 10_000, nil })
	require.NoError(t, err)

	stats := g.GetStats()
	st := stats.Stages[StageContractGeneration]
	assert.Equal(t, int64(2), st.Executions)
	assert.Equal(t, int64(1), st.Abstentions)
	assert.Equal(t, int64(1), st.FallbacksTaken)
	assert.Equal(t, int64(2), stats.Totals.Executions)
	assert.Equal(t, int64(1), stats.Totals.Abstentions)
	assert.Greater(t, st.SmoothedMs, int64(-1), "EWMA must be populated")
}

func TestUpdateBudgets_Validation(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	err := g.UpdateBudgets(map[Stage]Budget{
		StageContractGeneration: {Tokens: 200, WallClock: 300 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, g.Budget(StageContractGeneration).WallClock)

	err = g.UpdateBudgets(map[Stage]Budget{
		StageAugmentation: {Tokens: -1, WallClock: time.Second},
	})
	assert.Error(t, err, "Negative tokens must be rejected")

	err = g.UpdateBudgets(map[Stage]Budget{
		StageAugmentation: {Tokens: 10, WallClock: 10 * time.Minute},
	})
	assert.Error(t, err, "Oversized wall clock must be rejected")
}

func TestResetHistory(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	g.recordDuration(StageDeterministic, time.Millisecond)
	g.countExecution(StageDeterministic)
	require.NotEmpty(t, g.History(StageDeterministic))

	g.ResetHistory(StageDeterministic)
	assert.Empty(t, g.History(StageDeterministic))
	assert.Equal(t, int64(0), g.GetStats().Stages[StageDeterministic].Executions)
}

func TestNewHealthEvaluator_BreakerDriven(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	breaker := limits.NewCircuitBreaker(&limits.CircuitBreakerOptions{
		FailureThreshold: 1,
		RollingWindow:    time.Minute,
		CooldownPeriod:   time.Minute,
		HalfOpenProbes:   1,
	})

	evaluate := NewHealthEvaluator(breaker, g)
	assert.Equal(t, HealthHealthy, evaluate())

	breaker.RecordFailure()
	assert.Equal(t, HealthUnhealthy, evaluate(), "Open breaker means unhealthy")
}

func TestNewHealthEvaluator_AbstentionRateDriven(t *testing.T) {
	g := NewWithBudgets(map[Stage]Budget{StageAugmentation: {Tokens: 0, WallClock: 0}})
	g.RegisterFallback(StageAugmentation, func() any { return "fb" })

	evaluate := NewHealthEvaluator(nil, g)

	// Нулевой бюджет: каждый прогон - abstention
	for i := 0; i < 10; i++ {
		_, _, err := Execute(context.Background(), g, StageAugmentation,
			func(ctx context.Context) (string, int, error) { return "never", 0, nil })
		require.NoError(t, err)
	}

	assert.Equal(t, HealthUnhealthy, evaluate(), "100%% abstention rate means unhealthy")
}
