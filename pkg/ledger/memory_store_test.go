// 文件: pkg/ledger/memory_store_test.go

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) (*MemoryStore, *Market, *Option) {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()

	m := NewMarket("creator-1", "BTC 年底站上 10 万?", "", 4_000_000_000, 1_000_000_000, ResolutionOracle)
	m.IsInitialized = true
	require.NoError(t, store.CreateMarket(ctx, m))

	o := NewOption(m.ID, "BTC >= 100k")
	require.NoError(t, store.AddOption(ctx, o))

	w := NewWallet("user-1")
	w.BalanceUSDC = 1_000_000_000
	require.NoError(t, store.CreateWallet(ctx, w))

	return store, m, o
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	store, _, _ := seedStore(t)

	boom := errors.New("boom")
	err := store.Transaction(ctx, func(tx Store) error {
		if err := tx.UpdateWalletBalance(ctx, "user-1", -500_000_000); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// 事务失败，余额不变
	w, err := store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), w.BalanceUSDC)
}

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	store, m, o := seedStore(t)

	err := store.Transaction(ctx, func(tx Store) error {
		if err := tx.UpdateWalletBalance(ctx, "user-1", -100_000_000); err != nil {
			return err
		}
		if err := tx.UpdateOptionQuantities(ctx, o.ID, 50_000_000, 0); err != nil {
			return err
		}
		return tx.UpdateMarketStats(ctx, m.ID, MarketStatsDelta{
			PoolDelta:   100_000_000,
			VolumeDelta: 100_000_000,
		})
	})
	require.NoError(t, err)

	w, _ := store.GetWallet(ctx, "user-1")
	assert.Equal(t, int64(900_000_000), w.BalanceUSDC)

	got, _ := store.GetOption(ctx, o.ID)
	assert.Equal(t, int64(50_000_000), got.YesQuantity)

	mkt, _ := store.GetMarket(ctx, m.ID)
	assert.Equal(t, int64(100_000_000), mkt.SharedPoolLiquidity)
	assert.Equal(t, int64(100_000_000), mkt.TotalVolume)
}

func TestGuardedUpdates(t *testing.T) {
	ctx := context.Background()
	store, m, o := seedStore(t)

	t.Run("BalanceCannotGoNegative", func(t *testing.T) {
		err := store.UpdateWalletBalance(ctx, "user-1", -2_000_000_000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("InventoryCannotGoNegative", func(t *testing.T) {
		err := store.UpdateOptionQuantities(ctx, o.ID, -1, 0)
		assert.ErrorIs(t, err, ErrInternal)
	})

	t.Run("PoolSaturatesAtZero", func(t *testing.T) {
		require.NoError(t, store.UpdateMarketStats(ctx, m.ID, MarketStatsDelta{PoolDelta: -999}))
		mkt, _ := store.GetMarket(ctx, m.ID)
		assert.Equal(t, int64(0), mkt.SharedPoolLiquidity)
	})

	t.Run("UnknownWallet", func(t *testing.T) {
		assert.ErrorIs(t, store.UpdateWalletBalance(ctx, "nobody", 1), ErrNotFound)
	})
}

func TestOutstandingRedeemable(t *testing.T) {
	ctx := context.Background()
	store, m, o := seedStore(t)

	// 结算为 YES 获胜
	o.IsResolved = true
	o.WinningSide = SideYes
	o.Status = OptionSettled
	require.NoError(t, store.SaveOption(ctx, o))

	// 两个持仓: 一个未领取 (YES 200)，一个已领取
	p1 := NewUserPosition("user-1", o.ID, m.ID)
	p1.YesShares = 200_000_000
	require.NoError(t, store.SaveUserPosition(ctx, p1))

	p2 := NewUserPosition("user-2", o.ID, m.ID)
	p2.YesShares = 0
	p2.IsClaimed = true
	require.NoError(t, store.SaveUserPosition(ctx, p2))

	total, err := store.OutstandingRedeemable(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000_000), total)
}

func TestMoodringRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m, err := store.Moodring(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), m.ProtocolFeeRate)

	m.TradingPaused = true
	require.NoError(t, store.SaveMoodring(ctx, m))

	got, err := store.Moodring(ctx)
	require.NoError(t, err)
	assert.True(t, got.TradingPaused)
}

func TestLatestPricePointBefore(t *testing.T) {
	ctx := context.Background()
	store, _, o := seedStore(t)

	for _, ts := range []int64{1000, 2000, 3000} {
		require.NoError(t, store.InsertPricePoint(ctx, &PricePoint{
			OptionID: o.ID, YesPrice: 500_000 + ts, NoPrice: 500_000 - ts, Timestamp: ts,
		}))
	}

	p, err := store.LatestPricePointBefore(ctx, o.ID, 2500)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(2000), p.Timestamp)

	p, err = store.LatestPricePointBefore(ctx, o.ID, 500)
	require.NoError(t, err)
	assert.Nil(t, p)
}
