package position

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPosition(amount uint64, buyPrice float64) *Position {
	return NewPosition(solana.NewWallet().PublicKey(), nil, amount, buyPrice, time.Now())
}

func TestEvaluate_MultiLevelTakeProfit(t *testing.T) {
	levels := NewLevels([]ExitLevel{
		{TriggerPercent: 50, SellPercent: 50},
		{TriggerPercent: 100, SellPercent: 50},
	}, nil)
	p := openPosition(1_000_000, 1.0)

	// +60% fires only the first level.
	dec := levels.Evaluate(p, 1.6, time.Now(), time.Hour)
	require.Equal(t, uint64(500_000), dec.SellAmount)
	assert.Equal(t, ReasonTakeProfit, dec.Reason)
	assert.Equal(t, []int{0}, dec.FiredTP)
	assert.Empty(t, dec.FiredSL)

	// Commit the first sell, then +110% fires the second.
	p.TriggeredTP[0] = struct{}{}
	p.RemainingAmount = 500_000

	dec = levels.Evaluate(p, 2.1, time.Now(), time.Hour)
	require.Equal(t, uint64(500_000), dec.SellAmount)
	assert.Equal(t, ReasonTakeProfit, dec.Reason)
	assert.Equal(t, []int{1}, dec.FiredTP)
}

func TestEvaluate_BothLevelsAtOnce(t *testing.T) {
	levels := NewLevels([]ExitLevel{
		{TriggerPercent: 50, SellPercent: 50},
		{TriggerPercent: 100, SellPercent: 50},
	}, nil)
	p := openPosition(1_000_000, 1.0)

	dec := levels.Evaluate(p, 2.5, time.Now(), time.Hour)
	assert.Equal(t, uint64(1_000_000), dec.SellAmount)
	assert.Equal(t, []int{0, 1}, dec.FiredTP)
}

func TestEvaluate_StopLossOrder(t *testing.T) {
	levels := NewLevels(nil, []ExitLevel{
		{TriggerPercent: -50, SellPercent: 100},
		{TriggerPercent: -20, SellPercent: 50},
	})
	p := openPosition(1_000_000, 1.0)

	// -60% fires both; least severe loss first, indices keep table order.
	dec := levels.Evaluate(p, 0.4, time.Now(), time.Hour)
	assert.Equal(t, ReasonStopLoss, dec.Reason)
	assert.Equal(t, []int{1, 0}, dec.FiredSL)
	// 50% + 100% of original clamps to what is held.
	assert.Equal(t, uint64(1_000_000), dec.SellAmount)

	// -30% fires only the -20 level.
	p = openPosition(1_000_000, 1.0)
	dec = levels.Evaluate(p, 0.7, time.Now(), time.Hour)
	assert.Equal(t, []int{1}, dec.FiredSL)
	assert.Equal(t, uint64(500_000), dec.SellAmount)
}

func TestEvaluate_TriggeredLevelsSkipped(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 50}}, nil)
	p := openPosition(1_000_000, 1.0)
	p.TriggeredTP[0] = struct{}{}
	p.RemainingAmount = 500_000

	dec := levels.Evaluate(p, 1.6, time.Now(), time.Hour)
	assert.Zero(t, dec.SellAmount)
	assert.Equal(t, ReasonNone, dec.Reason)
}

func TestEvaluate_Timeout(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 50}}, nil)
	p := openPosition(1_000_000, 1.0)
	p.BuyTime = time.Now().Add(-time.Hour)
	p.RemainingAmount = 400_000

	dec := levels.Evaluate(p, 0.9, time.Now(), 30*time.Minute)
	assert.Equal(t, ReasonTimeout, dec.Reason)
	assert.Equal(t, uint64(400_000), dec.SellAmount)
	assert.Equal(t, 0.9, dec.Price)
}

func TestEvaluate_EmptyPosition(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 50}}, nil)
	p := openPosition(1_000_000, 1.0)
	p.RemainingAmount = 0

	dec := levels.Evaluate(p, 5.0, time.Now(), time.Nanosecond)
	assert.Zero(t, dec.SellAmount)
}

func TestEvaluate_DoesNotMutatePosition(t *testing.T) {
	levels := NewLevels([]ExitLevel{{TriggerPercent: 50, SellPercent: 50}}, nil)
	p := openPosition(1_000_000, 1.0)

	_ = levels.Evaluate(p, 1.6, time.Now(), time.Hour)
	assert.Equal(t, uint64(1_000_000), p.RemainingAmount)
	assert.Empty(t, p.TriggeredTP)
}
