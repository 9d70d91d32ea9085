// 文件: pkg/liquidity/manager.go
// 流动性管理
//
// 池的会计模型:
// - Initialize: 创始注资即创始份额 (1 微单位 = 1 微份额)，翻开 is_initialized
// - Add: 按注资占池比例铸造份额 minted = amount · totalShares / poolBefore
// - Remove: 仅在市场结算后开放。单份价值 = (池 − 未领取获胜份额) / 总份额，
//   另按份额比例分走累计 LP 手续费
//
// 未领取获胜份额是池的硬负债，提取永远先扣负债再分余值，
// 所以 LP 无法抽走输家已付、赢家未领的抵押。

package liquidity

import (
	"context"
	"math/big"
	"time"

	"pmx.com/pkg/ledger"
	"pmx.com/pkg/lmsr"
	"pmx.com/pkg/stream"
)

// EventPublisher 提交后的事件出口
type EventPublisher interface {
	Publish(e stream.Event)
}

// Manager 流动性管理器
type Manager struct {
	store ledger.Store
	hub   EventPublisher // 可为 nil
}

func NewManager(store ledger.Store, hub EventPublisher) *Manager {
	return &Manager{store: store, hub: hub}
}

// InitResult 初始化结果
type InitResult struct {
	MarketID     string
	SharesMinted int64
	PoolAfter    int64
}

// AddResult 追加注资结果
type AddResult struct {
	MarketID     string
	SharesMinted int64
	SharesTotal  int64
	PoolAfter    int64
}

// RemoveResult 提取结果
type RemoveResult struct {
	MarketID       string
	SharesBurned   int64
	PoolPortion    int64
	FeePortion     int64
	TotalWithdrawn int64
	BalanceAfter   int64
}

// Valuation LP 持仓估值
type Valuation struct {
	Shares       int64
	PoolValue    int64 // 份额对应的可分配池余值
	FeeValue     int64 // 份额对应的累计手续费
	CurrentValue int64
}

// =============================================================================
// Initialize
// =============================================================================

// Initialize 创始注资并开放交易。创始份额 1:1 铸造。
func (m *Manager) Initialize(ctx context.Context, userID, marketID string, amount int64) (*InitResult, error) {
	if amount <= 0 {
		return nil, ledger.ErrInvalidInput
	}

	var (
		result  InitResult
		options []*ledger.Option
	)
	err := m.store.Transaction(ctx, func(tx ledger.Store) error {
		mk, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if mk.IsInitialized {
			return ledger.ErrInvalidInput
		}
		if mk.IsResolved {
			return ledger.ErrMarketResolved
		}

		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if w.BalanceUSDC < amount {
			return ledger.NewInsufficient(ledger.ErrInsufficientBalance, w.BalanceUSDC, amount)
		}
		if err := tx.UpdateWalletBalance(ctx, userID, -amount); err != nil {
			return err
		}

		mk.IsInitialized = true
		mk.SharedPoolLiquidity += amount
		mk.TotalLpShares = amount
		mk.UpdatedAt = time.Now().UnixMilli()
		if err := tx.SaveMarket(ctx, mk); err != nil {
			return err
		}

		lp := ledger.NewLpPosition(userID, marketID)
		lp.Shares = amount
		lp.DepositedAmount = amount
		lp.CurrentValue = amount
		if err := tx.SaveLpPosition(ctx, lp); err != nil {
			return err
		}

		options, err = tx.ListOptions(ctx, marketID)
		if err != nil {
			return err
		}
		result = InitResult{MarketID: marketID, SharesMinted: amount, PoolAfter: mk.SharedPoolLiquidity}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 开盘报价: 库存两侧均为零，价格居中
	if m.hub != nil {
		now := time.Now().UnixMilli()
		for _, o := range options {
			m.hub.Publish(stream.Event{
				Type: stream.EventPriceUpdate, Subject: stream.OptionSubject(o.ID),
				UserID: userID, MarketID: marketID, OptionID: o.ID,
				Payload: stream.PriceUpdate{
					OptionID: o.ID,
					YesPrice: lmsr.Precision / 2, NoPrice: lmsr.Precision / 2,
					YesQuantity: o.YesQuantity, NoQuantity: o.NoQuantity,
					Timestamp: now,
				},
			})
		}
	}
	return &result, nil
}

// =============================================================================
// Add
// =============================================================================

// Add 追加注资，按当前池比例铸造份额
func (m *Manager) Add(ctx context.Context, userID, marketID string, amount int64) (*AddResult, error) {
	if amount <= 0 {
		return nil, ledger.ErrInvalidInput
	}

	var result AddResult
	err := m.store.Transaction(ctx, func(tx ledger.Store) error {
		mk, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if !mk.IsInitialized {
			return ledger.ErrMarketNotInitialized
		}
		if mk.IsResolved {
			return ledger.ErrMarketResolved
		}
		if mk.SharedPoolLiquidity <= 0 || mk.TotalLpShares <= 0 {
			return ledger.ErrInsufficientPoolLiquidity
		}

		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if w.BalanceUSDC < amount {
			return ledger.NewInsufficient(ledger.ErrInsufficientBalance, w.BalanceUSDC, amount)
		}

		minted := mulDiv(amount, mk.TotalLpShares, mk.SharedPoolLiquidity)
		if minted <= 0 {
			return ledger.ErrInvalidInput
		}

		if err := tx.UpdateWalletBalance(ctx, userID, -amount); err != nil {
			return err
		}
		if err := tx.UpdateMarketStats(ctx, marketID, ledger.MarketStatsDelta{
			PoolDelta:     amount,
			LpSharesDelta: minted,
		}); err != nil {
			return err
		}

		lp, err := tx.GetLpPositionForUpdate(ctx, userID, marketID)
		if err != nil {
			return err
		}
		if lp == nil {
			lp = ledger.NewLpPosition(userID, marketID)
		}
		lp.Shares += minted
		lp.DepositedAmount += amount
		lp.CurrentValue = lpValue(lp.Shares, mk.SharedPoolLiquidity+amount, mk.TotalLpShares+minted, mk.AccumulatedLpFees)
		lp.UpdatedAt = time.Now().UnixMilli()
		if err := tx.SaveLpPosition(ctx, lp); err != nil {
			return err
		}

		result = AddResult{
			MarketID: marketID, SharesMinted: minted,
			SharesTotal: lp.Shares,
			PoolAfter:   mk.SharedPoolLiquidity + amount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// Remove
// =============================================================================

// Remove 结算后提取。份额价值按 (池 − 未领取获胜份额) 比例计算，
// 另分走按份额比例的累计 LP 手续费。
func (m *Manager) Remove(ctx context.Context, userID, marketID string, shares int64) (*RemoveResult, error) {
	if shares <= 0 {
		return nil, ledger.ErrInvalidInput
	}

	var (
		result RemoveResult
		events []stream.Event
	)
	err := m.store.Transaction(ctx, func(tx ledger.Store) error {
		mk, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if !mk.IsResolved {
			return ledger.ErrMarketNotResolved
		}
		if mk.TotalLpShares <= 0 {
			return ledger.ErrInsufficientLpShares
		}

		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		lp, err := tx.GetLpPositionForUpdate(ctx, userID, marketID)
		if err != nil {
			return err
		}
		if lp == nil || lp.Shares < shares {
			held := int64(0)
			if lp != nil {
				held = lp.Shares
			}
			return ledger.NewInsufficient(ledger.ErrInsufficientLpShares, held, shares)
		}

		outstanding, err := tx.OutstandingRedeemable(ctx, marketID)
		if err != nil {
			return err
		}

		distributable := mk.SharedPoolLiquidity - outstanding
		if distributable < 0 {
			distributable = 0
		}

		poolPortion := mulDiv(shares, distributable, mk.TotalLpShares)
		feePortion := mulDiv(shares, mk.AccumulatedLpFees, mk.TotalLpShares)
		total := poolPortion + feePortion

		if mk.SharedPoolLiquidity < poolPortion {
			return ledger.NewInsufficient(ledger.ErrInsufficientPoolLiquidity, mk.SharedPoolLiquidity, poolPortion)
		}

		if err := tx.UpdateMarketStats(ctx, marketID, ledger.MarketStatsDelta{
			PoolDelta:     -poolPortion,
			LpFee:         -feePortion,
			LpSharesDelta: -shares,
		}); err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, userID, total); err != nil {
			return err
		}

		lp.Shares -= shares
		lp.ClaimableValue = lpValue(lp.Shares, mk.SharedPoolLiquidity-poolPortion, mk.TotalLpShares-shares, mk.AccumulatedLpFees-feePortion)
		lp.CurrentValue = lp.ClaimableValue
		lp.UpdatedAt = time.Now().UnixMilli()
		if err := tx.SaveLpPosition(ctx, lp); err != nil {
			return err
		}

		result = RemoveResult{
			MarketID:       marketID,
			SharesBurned:   shares,
			PoolPortion:    poolPortion,
			FeePortion:     feePortion,
			TotalWithdrawn: total,
			BalanceAfter:   w.BalanceUSDC + total,
		}
		events = []stream.Event{{
			Type: stream.EventBalanceUpdate, Subject: stream.UserSubject(userID),
			UserID: userID, MarketID: marketID,
			Payload: stream.BalanceUpdate{UserID: userID, BalanceUSDC: result.BalanceAfter},
		}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.hub != nil {
		for _, e := range events {
			m.hub.Publish(e)
		}
	}
	return &result, nil
}

// =============================================================================
// 估值
// =============================================================================

// Value 当前持仓估值 (只读，不扣未领取负债，是上限估计而非可提数)
func (m *Manager) Value(ctx context.Context, userID, marketID string) (*Valuation, error) {
	mk, err := m.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	lp, err := m.store.GetLpPositionForUpdate(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	if lp == nil || mk.TotalLpShares <= 0 {
		return &Valuation{}, nil
	}

	poolValue := mulDiv(lp.Shares, mk.SharedPoolLiquidity, mk.TotalLpShares)
	feeValue := mulDiv(lp.Shares, mk.AccumulatedLpFees, mk.TotalLpShares)
	return &Valuation{
		Shares:       lp.Shares,
		PoolValue:    poolValue,
		FeeValue:     feeValue,
		CurrentValue: poolValue + feeValue,
	}, nil
}

// lpValue 份额的即时价值
func lpValue(shares, pool, totalShares, accFees int64) int64 {
	if totalShares <= 0 {
		return 0
	}
	return mulDiv(shares, pool, totalShares) + mulDiv(shares, accFees, totalShares)
}

// mulDiv a·b/den，乘积走 math/big。
// 微单位下 10^10 量级的池与份额很常见，int64 直乘会溢出；
// 份额不超过总份额，所以商必然放得回 int64。
func mulDiv(a, b, den int64) int64 {
	if den == 0 {
		return 0
	}
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Div(r, big.NewInt(den))
	return r.Int64()
}
