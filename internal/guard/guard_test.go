package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBudgets() map[Stage]Budget {
	return map[Stage]Budget{
		StageContractGeneration: {Tokens: 100, WallClock: 200 * time.Millisecond},
		StageAugmentation:       {Tokens: 50, WallClock: 150 * time.Millisecond},
		StageDeterministic:      {Tokens: 0, WallClock: 100 * time.Millisecond},
	}
}

func TestExecute_Success(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	value, outcome, err := Execute(context.Background(), g, StageContractGeneration,
		func(ctx context.Context) (string, int, error) {
			return "contract", 40, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "contract", value)
	assert.False(t, outcome.Abstained)
	assert.Equal(t, 40, outcome.TokensUsed)
	assert.Len(t, g.History(StageContractGeneration), 1, "Duration must be recorded")
}

func TestExecute_TimeExceededTakesFallback(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	g.RegisterFallback(StageAugmentation, func() any { return "fallback" })

	var events []string
	g.OnEvent(func(stage Stage, kind, reason string) {
		events = append(events, kind+":"+reason)
	})

	value, outcome, err := Execute(context.Background(), g, StageAugmentation,
		func(ctx context.Context) (string, int, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", 0, nil
			case <-ctx.Done():
				return "", 0, ctx.Err()
			}
		})

	require.NoError(t, err, "Abstention with a registered fallback is not an error")
	assert.Equal(t, "fallback", value)
	assert.True(t, outcome.Abstained)
	assert.Equal(t, "time_budget_exceeded", outcome.Reason)
	assert.Contains(t, events, "fallback_taken:time_budget_exceeded")
}

func TestExecute_TokensExceededTakesFallback(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	g.RegisterFallback(StageAugmentation, func() any { return "degraded" })

	value, outcome, err := Execute(context.Background(), g, StageAugmentation,
		func(ctx context.Context) (string, int, error) {
			return "full", 500, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "degraded", value, "Token overrun must surface the fallback, not the result")
	assert.True(t, outcome.Abstained)
	assert.Equal(t, "token_budget_exceeded", outcome.Reason)
}

func TestExecute_NoFallbackSurfacesError(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	g.SetAbstention(StageAugmentation, false)

	_, _, err := Execute(context.Background(), g, StageAugmentation,
		func(ctx context.Context) (string, int, error) {
			<-ctx.Done()
			return "", 0, ctx.Err()
		})

	require.Error(t, err, "Disabled abstention must surface the budget error")
	var budgetErr *BudgetExceededError
	assert.True(t, errors.As(err, &budgetErr), "Error should be the structured budget signal")
	assert.ErrorIs(t, budgetErr, ErrBudgetExceeded)
}

func TestExecute_ZeroBudgetAlwaysAbstains(t *testing.T) {
	g := NewWithBudgets(map[Stage]Budget{StageContractGeneration: {Tokens: 0, WallClock: 0}})
	g.RegisterFallback(StageContractGeneration, func() any { return "template" })

	ran := false
	value, outcome, err := Execute(context.Background(), g, StageContractGeneration,
		func(ctx context.Context) (string, int, error) {
			ran = true
			return "real", 0, nil
		})

	require.NoError(t, err)
	assert.False(t, ran, "Zero budget must abstain before starting")
	assert.True(t, outcome.Abstained)
	assert.Equal(t, "template", value)
}

func TestExecute_EmergencyShutdown(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	g.RegisterFallback(StageContractGeneration, func() any { return "shutdown-fallback" })
	g.EmergencyShutdown()

	value, outcome, err := Execute(context.Background(), g, StageContractGeneration,
		func(ctx context.Context) (string, int, error) {
			return "should not run", 0, nil
		})

	require.NoError(t, err)
	assert.True(t, outcome.Abstained, "After shutdown every execute abstains immediately")
	assert.Equal(t, "shutdown-fallback", value)
}

func TestExecute_PreExecutionAbstention(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	g.RegisterFallback(StageAugmentation, func() any { return "history-fallback" })

	// История: последние 5 прогонов съедали весь бюджет
	for i := 0; i < 5; i++ {
		g.recordDuration(StageAugmentation, 300*time.Millisecond)
	}

	ran := false
	value, outcome, err := Execute(context.Background(), g, StageAugmentation,
		func(ctx context.Context) (string, int, error) {
			ran = true
			return "real", 0, nil
		})

	require.NoError(t, err)
	assert.False(t, ran, "Hot history must abstain before starting")
	assert.Equal(t, "pre_execution_budget_check", outcome.Reason)
	assert.Equal(t, "history-fallback", value)
}

func TestExecute_RequestCancellation(t *testing.T) {
	g := NewWithBudgets(testBudgets())
	g.RegisterFallback(StageAugmentation, func() any { return "fallback" })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Execute(ctx, g, StageAugmentation,
		func(ctx context.Context) (string, int, error) {
			<-ctx.Done()
			return "", 0, ctx.Err()
		})

	assert.ErrorIs(t, err, context.Canceled, "Request cancellation is not an abstention")
}

func TestGuard_HealthScalesBudgets(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	base := g.Budget(StageContractGeneration)
	assert.Equal(t, 200*time.Millisecond, base.WallClock)

	g.SetHealth(HealthDegraded)
	degraded := g.Budget(StageContractGeneration)
	assert.Equal(t, 160*time.Millisecond, degraded.WallClock, "Degraded scales by 0.8")
	assert.Equal(t, 80, degraded.Tokens)

	g.SetHealth(HealthUnhealthy)
	unhealthy := g.Budget(StageContractGeneration)
	assert.Equal(t, 120*time.Millisecond, unhealthy.WallClock, "Unhealthy scales by 0.6")
}

func TestGuard_AdjustTightensThreshold(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	// Утилизация ~1.0 при бюджете 150ms
	for i := 0; i < 5; i++ {
		g.recordDuration(StageAugmentation, 150*time.Millisecond)
	}

	g.adjustOnce(HealthHealthy)

	g.mu.Lock()
	threshold := g.abstentionThreshold[StageAugmentation]
	g.mu.Unlock()
	assert.InDelta(t, 0.9, threshold, 0.001, "Hot stage threshold tightens by 0.1")
}

func TestGuard_HistoryRingCapped(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	for i := 0; i < 150; i++ {
		g.recordDuration(StageDeterministic, time.Millisecond)
	}

	assert.Len(t, g.History(StageDeterministic), 100, "History ring keeps the last 100 entries")
}

func TestExecuteSequence_AdaptsAndStopsEarly(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	stages := []SeqStage{
		{Stage: StageContractGeneration, Run: func(ctx context.Context) (any, int, error) {
			time.Sleep(50 * time.Millisecond)
			return "a", 10, nil
		}},
		{Stage: StageAugmentation, Run: func(ctx context.Context) (any, int, error) {
			return "b", 10, nil
		}},
		{Stage: StageDeterministic, Run: func(ctx context.Context) (any, int, error) {
			return "c", 0, nil
		}},
	}

	// Общий бюджет хватает только на первую стадию с запасом ниже минимума
	results := ExecuteSequence(context.Background(), g, stages, Budget{Tokens: 0, WallClock: 220 * time.Millisecond})

	require.GreaterOrEqual(t, len(results), 2)
	assert.Equal(t, "a", results[0].Value)
	assert.NoError(t, results[0].Err)

	last := results[len(results)-1]
	assert.True(t, last.Skipped, "Sequence must surface the early stop")
}

func TestExecuteSequence_AllComplete(t *testing.T) {
	g := NewWithBudgets(testBudgets())

	stages := []SeqStage{
		{Stage: StageContractGeneration, Run: func(ctx context.Context) (any, int, error) { return 1, 5, nil }},
		{Stage: StageAugmentation, Run: func(ctx context.Context) (any, int, error) { return 2, 5, nil }},
	}

	results := ExecuteSequence(context.Background(), g, stages, Budget{Tokens: 1000, WallClock: 5 * time.Second})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Skipped)
		assert.NoError(t, r.Err)
	}
}
