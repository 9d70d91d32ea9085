// 文件: pkg/trade/engine_test.go

package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmx.com/pkg/ledger"
	"pmx.com/pkg/risk"
	"pmx.com/pkg/stream"
)

// b = 1000 单位，初始价 0.5/0.5
const testB = 1_000_000_000

// 已知数值: 从空库存买 1e8 微份额 YES 的税前成本 (内核精确值)
const (
	knownRawCost   = 51_250_000
	knownTotalFee  = 2_562_500 // 5% (2%+1%+2%)
	knownTotalCost = knownRawCost + knownTotalFee
)

type testEnv struct {
	engine *Engine
	store  *ledger.MemoryStore
	hub    *stream.Hub

	marketID string
	optionID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := ledger.NewMemoryStore()
	require.NoError(t, store.SaveMoodring(ctx, ledger.DefaultMoodring()))

	m := ledger.NewMarket("creator", "Will it rain tomorrow?", "", time.Now().Add(24*time.Hour).Unix(), testB, ledger.ResolutionOracle)
	m.IsInitialized = true
	m.SharedPoolLiquidity = 1_000_000_000 // LP 种子抵押
	require.NoError(t, store.CreateMarket(ctx, m))

	o := ledger.NewOption(m.ID, "rain")
	require.NoError(t, store.AddOption(ctx, o))

	hub, err := stream.NewHub(1)
	require.NoError(t, err)

	engine, err := NewEngine(store, risk.NewController(), hub, nil, 1)
	require.NoError(t, err)

	return &testEnv{engine: engine, store: store, hub: hub, marketID: m.ID, optionID: o.ID}
}

func (env *testEnv) fundUser(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.CreateWallet(ctx, ledger.NewWallet(userID)))
	require.NoError(t, env.store.CreditWallet(ctx, userID, amount))
}

func (env *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := env.store.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.BalanceUSDC
}

// =============================================================================
// 买入
// =============================================================================

func TestBuyFromEmptyMarket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	res, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID,
		DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(knownRawCost), res.RawCost)
	assert.Equal(t, int64(knownTotalFee), res.Fees.Total)
	assert.Equal(t, int64(knownTotalCost), res.TotalCost)
	assert.Equal(t, int64(1_025_000), res.Fees.Protocol)
	assert.Equal(t, int64(512_500), res.Fees.Creator)
	assert.Equal(t, int64(1_025_000), res.Fees.LP)
	assert.Equal(t, ledger.SideYes, res.Side)

	// 买 YES 后 YES 价格抬升且两侧和为 1
	assert.Greater(t, res.YesPrice, int64(500_000))
	assert.Equal(t, int64(1_000_000), res.YesPrice+res.NoPrice)

	// 余额与持仓
	assert.Equal(t, int64(1_000_000_000-knownTotalCost), env.balance(t, "alice"))

	pos, err := env.store.GetPosition(ctx, "alice", env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), pos.YesShares)
	assert.Equal(t, int64(knownRawCost), pos.TotalYesCost)
	assert.Equal(t, int64(512_500), pos.AvgYesPrice) // 51.25 / 100

	// 池收税前成本，手续费单独计数
	m, err := env.store.GetMarket(ctx, env.marketID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000+knownRawCost), m.SharedPoolLiquidity)
	assert.Equal(t, int64(knownTotalCost), m.TotalVolume)
	assert.Equal(t, int64(100_000_000), m.TotalOpenInterest)
	assert.Equal(t, int64(1_025_000), m.ProtocolFeesCollected)
	assert.Equal(t, int64(512_500), m.CreatorFeesCollected)
	assert.Equal(t, int64(1_025_000), m.AccumulatedLpFees)

	o, err := env.store.GetOption(ctx, env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), o.YesQuantity)
	assert.Equal(t, int64(0), o.NoQuantity)
}

func TestBuyValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	cases := []struct {
		name string
		req  BuyRequest
	}{
		{"BothSidesZero", BuyRequest{UserID: "alice", MarketID: env.marketID, OptionID: env.optionID}},
		{"BothSidesPositive", BuyRequest{UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 1, DeltaNo: 1}},
		{"Negative", BuyRequest{UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.engine.Buy(ctx, tc.req)
			assert.ErrorIs(t, err, ledger.ErrInvalidInput)
		})
	}
}

func TestBuyMinimumCostFloor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000)

	// 1 微份额的理论成本趋近 0，按最小成本 0.01 计价
	res, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), res.RawCost)
	assert.Equal(t, int64(500), res.Fees.Total)
}

func TestBuySlippageExceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID,
		DeltaYes: 100_000_000, MaxCost: 50_000_000,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrSlippageExceeded)

	var slip *ledger.SlippageError
	require.ErrorAs(t, err, &slip)
	assert.Equal(t, int64(50_000_000), slip.Expected)
	assert.Equal(t, int64(knownTotalCost), slip.Actual)

	// 容忍带放宽后通过: 50M · 1.10 = 55M > 53.8M
	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID,
		DeltaYes: 100_000_000, MaxCost: 50_000_000, SlippageBps: 1_000,
	})
	assert.NoError(t, err)
}

func TestBuyInsufficientBalanceRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000) // 远不够

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID,
		DeltaYes: 100_000_000,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var insuf *ledger.InsufficientError
	require.ErrorAs(t, err, &insuf)
	assert.Equal(t, int64(1_000_000), insuf.Available)
	assert.Equal(t, int64(knownTotalCost), insuf.Required)

	// 失败交易不留任何痕迹
	assert.Equal(t, int64(1_000_000), env.balance(t, "alice"))
	o, err := env.store.GetOption(ctx, env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), o.YesQuantity)
	pos, err := env.store.GetPosition(ctx, "alice", env.optionID)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestBuyTradingPaused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	cfg, err := env.store.Moodring(ctx)
	require.NoError(t, err)
	cfg.TradingPaused = true
	require.NoError(t, env.store.SaveMoodring(ctx, cfg))

	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 1_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrTradingPaused)
}

func TestBuyLimits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 100_000_000_000)

	cfg, err := env.store.Moodring(ctx)
	require.NoError(t, err)
	cfg.MaxTradeAmount = 40_000_000
	require.NoError(t, env.store.SaveMoodring(ctx, cfg))

	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrLimitExceeded)
}

func TestBuyUninitializedMarket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	m, err := env.store.GetMarket(ctx, env.marketID)
	require.NoError(t, err)
	m.IsInitialized = false
	require.NoError(t, env.store.SaveMarket(ctx, m))

	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 1_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrMarketNotInitialized)
}

// =============================================================================
// 卖出
// =============================================================================

func TestSellRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	res, err := env.engine.Sell(ctx, SellRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	// 全量平仓回到起点，税前回款与税前成本镜像相等
	assert.Equal(t, int64(knownRawCost), res.RawPayout)
	assert.Equal(t, int64(knownRawCost-knownTotalFee), res.NetPayout)
	// 盈亏 = 净回款 − 成本基准 = −卖出手续费
	assert.Equal(t, int64(-knownTotalFee), res.RealizedPnl)

	// 往返净损失恰为两笔手续费
	assert.Equal(t, int64(1_000_000_000-2*knownTotalFee), env.balance(t, "alice"))

	pos, err := env.store.GetPosition(ctx, "alice", env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.YesShares)
	assert.Equal(t, int64(0), pos.TotalYesCost)
	assert.Equal(t, int64(0), pos.AvgYesPrice)
	assert.Equal(t, int64(-knownTotalFee), pos.RealizedPnl)

	// 池回到种子值
	m, err := env.store.GetMarket(ctx, env.marketID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), m.SharedPoolLiquidity)
	assert.Equal(t, int64(0), m.TotalOpenInterest)

	o, err := env.store.GetOption(ctx, env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), o.YesQuantity)
}

func TestSellPartialKeepsAvgPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	_, err = env.engine.Sell(ctx, SellRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 40_000_000,
	})
	require.NoError(t, err)

	pos, err := env.store.GetPosition(ctx, "alice", env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000_000), pos.YesShares)
	// 均价不随卖出变化，成本按均价等比例释放
	assert.Equal(t, int64(512_500), pos.AvgYesPrice)
	assert.Equal(t, int64(knownRawCost-40_000_000*512_500/1_000_000), pos.TotalYesCost)
}

func TestSellInsufficientShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 10_000_000,
	})
	require.NoError(t, err)

	_, err = env.engine.Sell(ctx, SellRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 20_000_000,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)

	var insuf *ledger.InsufficientError
	require.ErrorAs(t, err, &insuf)
	assert.Equal(t, int64(10_000_000), insuf.Available)
	assert.Equal(t, int64(20_000_000), insuf.Required)
}

func TestSellNoPosition(t *testing.T) {
	env := newTestEnv(t)
	env.fundUser(t, "bob", 1_000_000_000)

	_, err := env.engine.Sell(context.Background(), SellRequest{
		UserID: "bob", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 1_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)
}

func TestSellMinPayoutFloor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	// 净回款 48,687,500 低于下限
	_, err = env.engine.Sell(ctx, SellRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID,
		DeltaYes: 100_000_000, MinPayout: 50_000_000,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrSlippageExceeded)

	// 带 5% 容忍: 下限 47.5M < 48.69M，放行
	_, err = env.engine.Sell(ctx, SellRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID,
		DeltaYes: 100_000_000, MinPayout: 50_000_000, SlippageBps: 500,
	})
	assert.NoError(t, err)
}

// =============================================================================
// 领取
// =============================================================================

func resolveOption(t *testing.T, store ledger.Store, optionID string, winner ledger.Side) {
	t.Helper()
	ctx := context.Background()
	o, err := store.GetOption(ctx, optionID)
	require.NoError(t, err)
	o.IsResolved = true
	o.WinningSide = winner
	o.Status = ledger.OptionSettled
	require.NoError(t, store.SaveOption(ctx, o))
}

func TestClaimWinningPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)
	balanceAfterBuy := env.balance(t, "alice")

	resolveOption(t, env.store, env.optionID, ledger.SideYes)

	res, err := env.engine.Claim(ctx, "alice", env.marketID, env.optionID)
	require.NoError(t, err)

	// 获胜份额 1:1 兑付
	assert.Equal(t, int64(100_000_000), res.Payout)
	assert.Equal(t, int64(100_000_000-knownRawCost), res.RealizedPnl)
	assert.Equal(t, balanceAfterBuy+100_000_000, env.balance(t, "alice"))

	pos, err := env.store.GetPosition(ctx, "alice", env.optionID)
	require.NoError(t, err)
	assert.True(t, pos.IsClaimed)
	assert.Equal(t, int64(0), pos.YesShares)
	assert.Equal(t, int64(100_000_000-knownRawCost), pos.RealizedPnl)

	// 二次领取幂等拒绝
	_, err = env.engine.Claim(ctx, "alice", env.marketID, env.optionID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
}

func TestClaimLosingPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	resolveOption(t, env.store, env.optionID, ledger.SideNo)

	_, err = env.engine.Claim(ctx, "alice", env.marketID, env.optionID)
	assert.ErrorIs(t, err, ledger.ErrNoShares)
}

func TestClaimUnresolvedOption(t *testing.T) {
	env := newTestEnv(t)
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Claim(context.Background(), "alice", env.marketID, env.optionID)
	assert.ErrorIs(t, err, ledger.ErrOptionNotResolved)
}

// =============================================================================
// 资金守恒与事件
// =============================================================================

// 任何交易序列后: 钱包净流出 = 池增量 + 手续费合计
func TestConservationAcrossTrades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3"}
	const initial = 10_000_000_000
	for _, u := range users {
		env.fundUser(t, u, initial)
	}

	trades := []struct {
		user string
		dYes int64
		dNo  int64
		sell bool
	}{
		{"u1", 100_000_000, 0, false},
		{"u2", 0, 200_000_000, false},
		{"u3", 50_000_000, 0, false},
		{"u1", 40_000_000, 0, true},
		{"u2", 0, 150_000_000, true},
		{"u3", 0, 30_000_000, false},
	}
	for i, tr := range trades {
		var err error
		if tr.sell {
			_, err = env.engine.Sell(ctx, SellRequest{
				UserID: tr.user, MarketID: env.marketID, OptionID: env.optionID,
				DeltaYes: tr.dYes, DeltaNo: tr.dNo,
			})
		} else {
			_, err = env.engine.Buy(ctx, BuyRequest{
				UserID: tr.user, MarketID: env.marketID, OptionID: env.optionID,
				DeltaYes: tr.dYes, DeltaNo: tr.dNo,
			})
		}
		require.NoError(t, err, "trade %d", i)
	}

	var walletOutflow int64
	for _, u := range users {
		walletOutflow += initial - env.balance(t, u)
	}

	m, err := env.store.GetMarket(ctx, env.marketID)
	require.NoError(t, err)
	poolDelta := m.SharedPoolLiquidity - 1_000_000_000
	totalFees := m.ProtocolFeesCollected + m.CreatorFeesCollected + m.AccumulatedLpFees

	assert.Equal(t, walletOutflow, poolDelta+totalFees)

	// 未平仓量 = 选项库存合计
	o, err := env.store.GetOption(ctx, env.optionID)
	require.NoError(t, err)
	assert.Equal(t, m.TotalOpenInterest, o.YesQuantity+o.NoQuantity)
}

func TestBuyEmitsEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	sub := env.hub.Subscribe(stream.Filter{All: true})
	defer env.hub.Unsubscribe(sub)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	want := []stream.EventType{
		stream.EventPriceUpdate,
		stream.EventTradeCreated,
		stream.EventPositionUpdate,
		stream.EventBalanceUpdate,
	}
	for _, wt := range want {
		select {
		case e := <-sub.C:
			assert.Equal(t, wt, e.Type)
			assert.Equal(t, "alice", e.UserID)
		case <-time.After(time.Second):
			t.Fatalf("missing event %s", wt)
		}
	}
}

func TestFailedBuyEmitsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000) // 不够

	sub := env.hub.Subscribe(stream.Filter{All: true})
	defer env.hub.Unsubscribe(sub)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.Error(t, err)

	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event after failed trade: %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// =============================================================================
// 并发
// =============================================================================

func TestConcurrentBuysConserveFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const (
		workers  = 8
		perUser  = 5
		initial  = 10_000_000_000
		tradeQty = 10_000_000
	)

	users := make([]string, workers)
	for i := range users {
		users[i] = fmt.Sprintf("trader-%d", i)
		env.fundUser(t, users[i], initial)
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for j := 0; j < perUser; j++ {
				var err error
				if j%2 == 0 {
					_, err = env.engine.Buy(ctx, BuyRequest{
						UserID: userID, MarketID: env.marketID, OptionID: env.optionID,
						DeltaYes: tradeQty,
					})
				} else {
					_, err = env.engine.Buy(ctx, BuyRequest{
						UserID: userID, MarketID: env.marketID, OptionID: env.optionID,
						DeltaNo: tradeQty,
					})
				}
				if err != nil {
					t.Errorf("buy failed: user=%s err=%v", userID, err)
					return
				}
			}
		}(u)
	}
	wg.Wait()

	var walletOutflow int64
	for _, u := range users {
		walletOutflow += initial - env.balance(t, u)
	}

	m, err := env.store.GetMarket(ctx, env.marketID)
	require.NoError(t, err)
	poolDelta := m.SharedPoolLiquidity - 1_000_000_000
	totalFees := m.ProtocolFeesCollected + m.CreatorFeesCollected + m.AccumulatedLpFees
	assert.Equal(t, walletOutflow, poolDelta+totalFees)

	o, err := env.store.GetOption(ctx, env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perUser*tradeQty), o.YesQuantity+o.NoQuantity)
	assert.Equal(t, m.TotalOpenInterest, o.YesQuantity+o.NoQuantity)
}

func TestConcurrentClaimOnlyPaysOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)
	balanceAfterBuy := env.balance(t, "alice")

	resolveOption(t, env.store, env.optionID, ledger.SideYes)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Claim(ctx, "alice", env.marketID, env.optionID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded int
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, ledger.ErrAlreadyClaimed) || errors.Is(err, ledger.ErrNoShares),
				"unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, balanceAfterBuy+100_000_000, env.balance(t, "alice"))
}

// =============================================================================
// 报价
// =============================================================================

func TestPriceAtAndHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	q, err := env.engine.PriceAt(ctx, env.optionID)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), q.YesPrice) // 空市场两侧均衡

	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	q, err = env.engine.PriceAt(ctx, env.optionID)
	require.NoError(t, err)
	assert.Greater(t, q.YesPrice, int64(500_000))
	assert.Equal(t, int64(1_000_000), q.YesPrice+q.NoPrice)

	history, err := env.engine.PriceHistory(ctx, env.optionID, Range24H)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, q.YesPrice, history[0].YesPrice)

	history, err = env.engine.PriceHistory(ctx, env.optionID, RangeAll)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = env.engine.PriceHistory(ctx, "missing", RangeAll)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// 到期与市场维度限额
// =============================================================================

func TestTradeOnExpiredMarket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	// 先建仓，再把市场推到期
	_, err := env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	m, err := env.store.GetMarket(ctx, env.marketID)
	require.NoError(t, err)
	m.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	require.NoError(t, env.store.SaveMarket(ctx, m))

	// 到期即停盘，结果没出也一样 (AUTHORITY 裁决可能晚于到期)
	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 1_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrMarketExpired)

	_, err = env.engine.Sell(ctx, SellRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrMarketExpired)
}

func TestMarketTotalLimitSpansOptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundUser(t, "alice", 1_000_000_000)

	second := ledger.NewOption(env.marketID, "second outcome")
	require.NoError(t, env.store.AddOption(ctx, second))

	cfg, err := env.store.Moodring(ctx)
	require.NoError(t, err)
	cfg.MaxUserMarketTotal = 100_000_000
	require.NoError(t, env.store.SaveMoodring(ctx, cfg))

	// 第一个选项建仓: 税前成本 51.25 计入市场累计
	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: env.optionID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)

	// 换选项不能绕开市场维度的上限
	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "alice", MarketID: env.marketID, OptionID: second.ID, DeltaYes: 100_000_000,
	})
	assert.ErrorIs(t, err, ledger.ErrLimitExceeded)

	// 限额按用户算，其他用户不受影响
	env.fundUser(t, "bob", 1_000_000_000)
	_, err = env.engine.Buy(ctx, BuyRequest{
		UserID: "bob", MarketID: env.marketID, OptionID: second.ID, DeltaYes: 100_000_000,
	})
	require.NoError(t, err)
}
