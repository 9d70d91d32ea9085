// 文件: pkg/risk/controller_test.go

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmx.com/pkg/ledger"
)

func testConfig() *ledger.Moodring {
	cfg := ledger.DefaultMoodring()
	cfg.SuspiciousTradeThreshold = 1_000_000_000   // 1000 单位
	cfg.CircuitBreakerThreshold = 10_000_000_000   // 10000 单位/小时
	cfg.MaxMarketVolatilityThreshold = 500         // 5%
	return cfg
}

func seedMarket(t *testing.T, store *ledger.MemoryStore) *ledger.Market {
	t.Helper()
	m := ledger.NewMarket("creator", "q", "", time.Now().Unix()+3600, 1_000_000_000, ledger.ResolutionOracle)
	m.IsInitialized = true
	require.NoError(t, store.CreateMarket(context.Background(), m))
	return m
}

func resultByName(results []CheckResult, name string) CheckResult {
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestSuspiciousAmount(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	m := seedMarket(t, store)
	c := NewController()

	t.Run("BelowThreshold", func(t *testing.T) {
		results := c.Evaluate(ctx, store, testConfig(), Input{
			TradeID: 1, UserID: "u", MarketID: m.ID, Amount: 500_000_000,
		})
		r := resultByName(results, CheckSuspiciousAmount)
		assert.True(t, r.Passed)
		assert.False(t, r.Triggered)
	})

	t.Run("AtDoubleThreshold", func(t *testing.T) {
		// amount = 2x 阈值 → score = min(100, 50*2) = 100
		results := c.Evaluate(ctx, store, testConfig(), Input{
			TradeID: 2, UserID: "u", MarketID: m.ID, Amount: 2_000_000_000,
		})
		r := resultByName(results, CheckSuspiciousAmount)
		assert.True(t, r.Passed) // 只记录，不拦截
		assert.True(t, r.Triggered)
		assert.Equal(t, 100, r.RiskScore)
	})

	t.Run("AtThreshold", func(t *testing.T) {
		// amount == 阈值 → score = 50
		results := c.Evaluate(ctx, store, testConfig(), Input{
			TradeID: 3, UserID: "u", MarketID: m.ID, Amount: 1_000_000_000,
		})
		r := resultByName(results, CheckSuspiciousAmount)
		assert.True(t, r.Triggered)
		assert.Equal(t, 50, r.RiskScore)
	})
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	m := seedMarket(t, store)
	c := NewController()

	// 灌入近一小时 12000 单位成交量
	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertTrade(ctx, &ledger.Trade{
			TradeID: int64(100 + i), MarketID: m.ID, UserID: "u",
			TotalCost: 4_000_000_000, CreatedAt: now,
		}))
	}

	results := c.Evaluate(ctx, store, testConfig(), Input{
		TradeID: 4, UserID: "u", MarketID: m.ID, Amount: 1_000_000,
	})
	r := resultByName(results, CheckCircuitBreaker)
	assert.True(t, r.Passed)
	assert.True(t, r.Triggered)
	assert.Equal(t, 100, r.RiskScore)
	assert.Equal(t, CheckCircuitBreaker, r.Reason)
}

func TestVolatilityGate(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	m := seedMarket(t, store)
	c := NewController()

	t.Run("ImmatureMarketTolerant", func(t *testing.T) {
		// 库存 < 10x 交易量 → 阈值 x5 = 25%，20% 的波动不触发
		results := c.Evaluate(ctx, store, testConfig(), Input{
			TradeID: 5, UserID: "u", MarketID: m.ID,
			TradeSize:   100_000_000,
			YesQuantity: 200_000_000, NoQuantity: 200_000_000,
			PriceBefore: 500_000, PriceAfter: 600_000,
		})
		r := resultByName(results, CheckVolatility)
		assert.False(t, r.Triggered)
	})

	t.Run("MatureMarketStrict", func(t *testing.T) {
		// 库存 >= 100x 交易量 → 阈值 x1 = 5%，20% 的波动触发
		results := c.Evaluate(ctx, store, testConfig(), Input{
			TradeID: 6, UserID: "u", MarketID: m.ID,
			TradeSize:   1_000_000,
			YesQuantity: 200_000_000, NoQuantity: 200_000_000,
			PriceBefore: 500_000, PriceAfter: 600_000,
		})
		r := resultByName(results, CheckVolatility)
		assert.True(t, r.Passed)
		assert.True(t, r.Triggered)
	})
}

func TestMaturityMultiplier(t *testing.T) {
	assert.Equal(t, int64(5), maturityMultiplier(9, 1))
	assert.Equal(t, int64(3), maturityMultiplier(49, 1))
	assert.Equal(t, int64(2), maturityMultiplier(99, 1))
	assert.Equal(t, int64(1), maturityMultiplier(100, 1))
	assert.Equal(t, int64(1), maturityMultiplier(0, 0))
}
