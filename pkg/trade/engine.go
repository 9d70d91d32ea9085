// 文件: pkg/trade/engine.go
// 交易引擎
//
// 三个外部操作 Buy / Sell / Claim，每个都是单个数据库事务:
//
//	请求 → 市场级进程内互斥 → Store.Transaction {
//	        规范化锁序加锁 (market → option → wallet → position)
//	        → LMSR 定价 → 手续费拆分 → 限额 → 风控 → 滑点 → 余额
//	        → 应用变更 (余额/库存/市场统计/持仓/流水/价格点)
//	} → 提交后发事件 + 审计
//
// 进程内互斥只是数据库行锁前面的挡板，降低热门市场下的
// 锁等待风暴；正确性的串行化点始终是数据库。
//
// 事务内任何错误整体回滚，引擎从不半提交。提交后的事件与
// 审计发布都是尽力而为，失败不影响已提交的交易。

package trade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"pmx.com/pkg/audit"
	"pmx.com/pkg/fees"
	"pmx.com/pkg/ledger"
	"pmx.com/pkg/lmsr"
	"pmx.com/pkg/risk"
	"pmx.com/pkg/stream"
)

// minRawCost 最小税前成本: 0.01 单位，阻断零成本灰尘单
const minRawCost = 10_000

// EventPublisher 提交后的事件出口 (stream.Hub 实现)
type EventPublisher interface {
	Publish(e stream.Event)
}

// AuditPublisher 提交后的审计出口 (audit.Producer 实现)
type AuditPublisher interface {
	Publish(msg audit.Message) error
}

// Engine 交易引擎
type Engine struct {
	store ledger.Store
	risk  *risk.Controller
	hub   EventPublisher // 可为 nil
	audit AuditPublisher // 可为 nil
	node  *snowflake.Node

	locks marketLocks
}

// NewEngine 创建引擎。nodeID 入成交雪花 ID 的机器位。
func NewEngine(store ledger.Store, riskCtrl *risk.Controller, hub EventPublisher, auditPub AuditPublisher, nodeID int64) (*Engine, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}
	return &Engine{
		store: store,
		risk:  riskCtrl,
		hub:   hub,
		audit: auditPub,
		node:  node,
		locks: marketLocks{locks: make(map[string]*sync.Mutex)},
	}, nil
}

// marketLocks 市场级进程内互斥
type marketLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *marketLocks) get(marketID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[marketID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[marketID] = m
	}
	return m
}

// =============================================================================
// 请求与结果
// =============================================================================

// BuyRequest 买入请求。DeltaYes 与 DeltaNo 恰有一侧为正。
// MaxCost = 0 表示不设滑点上限；同时给出 SlippageBps 时
// MaxCost 解释为期望总额，实际上限 = MaxCost·(1 + bps/10000)。
type BuyRequest struct {
	UserID      string
	MarketID    string
	OptionID    string
	DeltaYes    int64
	DeltaNo     int64
	MaxCost     int64
	SlippageBps int64
}

// SellRequest 卖出请求。MinPayout = 0 表示不设下限；
// 同时给出 SlippageBps 时实际下限 = MinPayout·(1 − bps/10000)。
type SellRequest struct {
	UserID      string
	MarketID    string
	OptionID    string
	DeltaYes    int64
	DeltaNo     int64
	MinPayout   int64
	SlippageBps int64
}

// TradeResult 买入结果
type TradeResult struct {
	TradeID      int64
	OptionID     string
	Side         ledger.Side
	Quantity     int64
	RawCost      int64
	Fees         fees.Breakdown
	TotalCost    int64
	YesPrice     int64
	NoPrice      int64
	BalanceAfter int64
}

// SellResult 卖出结果
type SellResult struct {
	TradeID      int64
	OptionID     string
	Side         ledger.Side
	Quantity     int64
	RawPayout    int64
	Fees         fees.Breakdown
	NetPayout    int64
	RealizedPnl  int64
	YesPrice     int64
	NoPrice      int64
	BalanceAfter int64
}

// ClaimResult 领取结果
type ClaimResult struct {
	OptionID     string
	WinningSide  ledger.Side
	Payout       int64
	RealizedPnl  int64
	BalanceAfter int64
}

// sideOf 校验单侧交易并返回方向
func sideOf(dYes, dNo int64) (ledger.Side, int64, error) {
	if dYes < 0 || dNo < 0 {
		return 0, 0, ledger.ErrInvalidInput
	}
	if (dYes > 0) == (dNo > 0) {
		// 两侧同时非零或同时为零
		return 0, 0, ledger.ErrInvalidInput
	}
	if dYes > 0 {
		return ledger.SideYes, dYes, nil
	}
	return ledger.SideNo, dNo, nil
}

// kernelErr LMSR 内核错误到账本错误的翻译
//
// DivisionByZero 说明市场没有流动性参数 (未初始化)；
// Overflow 与买入成本为负都是定价层 bug，归 Internal。
func kernelErr(err error) error {
	switch {
	case errors.Is(err, lmsr.ErrDivisionByZero):
		return ledger.ErrMarketNotInitialized
	case errors.Is(err, lmsr.ErrUnderflow):
		return err // 调用处按语境翻译
	default:
		return fmt.Errorf("%w: kernel: %v", ledger.ErrInternal, err)
	}
}

// =============================================================================
// Buy
// =============================================================================

func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*TradeResult, error) {
	side, qty, err := sideOf(req.DeltaYes, req.DeltaNo)
	if err != nil {
		return nil, err
	}

	mu := e.locks.get(req.MarketID)
	mu.Lock()
	defer mu.Unlock()

	var (
		result TradeResult
		events []stream.Event
		msgs   []audit.Message
	)

	txErr := e.store.Transaction(ctx, func(tx ledger.Store) error {
		cfg, err := tx.Moodring(ctx)
		if err != nil {
			return err
		}
		if cfg.TradingPaused {
			return ledger.ErrTradingPaused
		}

		// ---- 规范化锁序 ----
		m, o, w, err := e.lockForTrade(ctx, tx, req.MarketID, req.OptionID, req.UserID)
		if err != nil {
			return err
		}

		priceBefore, err := lmsr.YesPrice(o.YesQuantity, o.NoQuantity, m.LiquidityParameter)
		if err != nil {
			return kernelErr(err)
		}

		// ---- 定价 ----
		rawCost, err := lmsr.BuyCost(o.YesQuantity, o.NoQuantity, req.DeltaYes, req.DeltaNo, m.LiquidityParameter)
		if err != nil {
			if errors.Is(err, lmsr.ErrUnderflow) {
				return fmt.Errorf("%w: negative buy cost", ledger.ErrInternal)
			}
			return kernelErr(err)
		}
		if rawCost < minRawCost {
			rawCost = minRawCost
		}

		// ---- 手续费 ----
		schedule := fees.Schedule{
			ProtocolRate: cfg.ProtocolFeeRate,
			CreatorRate:  cfg.CreatorFeeRate,
			LPRate:       cfg.LpFeeRate,
		}
		bd, err := schedule.Calculate(rawCost)
		if err != nil {
			return fmt.Errorf("%w: fees: %v", ledger.ErrInternal, err)
		}
		totalCost := rawCost + bd.Total

		// ---- 限额 ----
		pos, err := tx.GetPositionForUpdate(ctx, req.UserID, req.OptionID)
		if err != nil {
			return err
		}
		if err := checkLimits(ctx, tx, cfg, req.MarketID, req.UserID, req.OptionID, totalCost, pos); err != nil {
			return err
		}

		priceAfter, err := lmsr.YesPrice(o.YesQuantity+req.DeltaYes, o.NoQuantity+req.DeltaNo, m.LiquidityParameter)
		if err != nil {
			return kernelErr(err)
		}

		// ---- 风控 (只记录) ----
		tradeID := e.node.Generate().Int64()
		riskResults := e.risk.Evaluate(ctx, tx, cfg, risk.Input{
			TradeID: tradeID, UserID: req.UserID, MarketID: req.MarketID, OptionID: req.OptionID,
			Amount: totalCost, TradeSize: qty,
			YesQuantity: o.YesQuantity, NoQuantity: o.NoQuantity,
			PriceBefore: priceBefore, PriceAfter: priceAfter,
		})
		for _, r := range riskResults {
			if !r.Passed {
				return ledger.ErrRiskRejected
			}
		}

		// ---- 滑点 ----
		if req.MaxCost > 0 {
			ceiling := req.MaxCost
			if req.SlippageBps > 0 {
				ceiling = req.MaxCost * (10_000 + req.SlippageBps) / 10_000
			}
			if totalCost > ceiling {
				return &ledger.SlippageError{Expected: ceiling, Actual: totalCost}
			}
		}

		// ---- 余额 ----
		if w.BalanceUSDC < totalCost {
			return ledger.NewInsufficient(ledger.ErrInsufficientBalance, w.BalanceUSDC, totalCost)
		}

		// ---- 应用 ----
		if err := tx.UpdateWalletBalance(ctx, req.UserID, -totalCost); err != nil {
			return err
		}
		if err := tx.UpdateOptionQuantities(ctx, req.OptionID, req.DeltaYes, req.DeltaNo); err != nil {
			return err
		}
		if err := tx.UpdateMarketStats(ctx, req.MarketID, ledger.MarketStatsDelta{
			VolumeDelta:       totalCost,
			OpenInterestDelta: req.DeltaYes + req.DeltaNo,
			PoolDelta:         rawCost,
			ProtocolFee:       bd.Protocol,
			CreatorFee:        bd.Creator,
			LpFee:             bd.LP,
		}); err != nil {
			return err
		}

		if pos == nil {
			pos = ledger.NewUserPosition(req.UserID, req.OptionID, req.MarketID)
		}
		// 成本基准按税前毛成本累加，手续费算即时盈亏不摊入本金
		applyBuyToPosition(pos, side, qty, rawCost)
		if err := tx.SaveUserPosition(ctx, pos); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		tradeRec := &ledger.Trade{
			TradeID: tradeID, UserID: req.UserID, MarketID: req.MarketID, OptionID: req.OptionID,
			Side: side, IsBuy: true, Quantity: qty,
			RawAmount: rawCost, TotalCost: totalCost, TotalFee: bd.Total,
			CreatedAt: now,
		}
		if err := tx.InsertTrade(ctx, tradeRec); err != nil {
			return err
		}

		point := &ledger.PricePoint{
			OptionID: req.OptionID,
			YesPrice: priceAfter, NoPrice: lmsr.Precision - priceAfter,
			YesQuantity: o.YesQuantity + req.DeltaYes, NoQuantity: o.NoQuantity + req.DeltaNo,
			Timestamp: now,
		}
		if err := tx.InsertPricePoint(ctx, point); err != nil {
			return err
		}

		result = TradeResult{
			TradeID: tradeID, OptionID: req.OptionID, Side: side, Quantity: qty,
			RawCost: rawCost, Fees: bd, TotalCost: totalCost,
			YesPrice: priceAfter, NoPrice: lmsr.Precision - priceAfter,
			BalanceAfter: w.BalanceUSDC - totalCost,
		}
		events = e.tradeEvents(req.UserID, req.MarketID, tradeRec, point, pos, result.BalanceAfter)
		msgs = e.tradeAudit(tradeRec, point, riskResults, req.UserID, req.MarketID, req.OptionID, totalCost)
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	e.emit(events, msgs)
	return &result, nil
}

// =============================================================================
// Sell
// =============================================================================

func (e *Engine) Sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	side, qty, err := sideOf(req.DeltaYes, req.DeltaNo)
	if err != nil {
		return nil, err
	}

	mu := e.locks.get(req.MarketID)
	mu.Lock()
	defer mu.Unlock()

	var (
		result SellResult
		events []stream.Event
		msgs   []audit.Message
	)

	txErr := e.store.Transaction(ctx, func(tx ledger.Store) error {
		cfg, err := tx.Moodring(ctx)
		if err != nil {
			return err
		}
		if cfg.TradingPaused {
			return ledger.ErrTradingPaused
		}

		m, o, w, err := e.lockForTrade(ctx, tx, req.MarketID, req.OptionID, req.UserID)
		if err != nil {
			return err
		}

		pos, err := tx.GetPositionForUpdate(ctx, req.UserID, req.OptionID)
		if err != nil {
			return err
		}

		// ---- 份额检查 ----
		held := int64(0)
		if pos != nil {
			held = pos.SharesOf(side)
		}
		if held < qty {
			return ledger.NewInsufficient(ledger.ErrInsufficientShares, held, qty)
		}

		priceBefore, err := lmsr.YesPrice(o.YesQuantity, o.NoQuantity, m.LiquidityParameter)
		if err != nil {
			return kernelErr(err)
		}

		// ---- 定价 ----
		rawPayout, err := lmsr.SellPayout(o.YesQuantity, o.NoQuantity, req.DeltaYes, req.DeltaNo, m.LiquidityParameter)
		if err != nil {
			if errors.Is(err, lmsr.ErrUnderflow) {
				// 持仓检查过了但池库存不够: 池侧超卖
				return ledger.NewInsufficient(ledger.ErrInsufficientShares, o.YesQuantity, req.DeltaYes)
			}
			return kernelErr(err)
		}

		schedule := fees.Schedule{
			ProtocolRate: cfg.ProtocolFeeRate,
			CreatorRate:  cfg.CreatorFeeRate,
			LPRate:       cfg.LpFeeRate,
		}
		bd, err := schedule.Calculate(rawPayout)
		if err != nil {
			return fmt.Errorf("%w: fees: %v", ledger.ErrInternal, err)
		}
		netPayout := rawPayout - bd.Total

		// ---- 限额 ----
		if err := checkLimits(ctx, tx, cfg, req.MarketID, req.UserID, req.OptionID, rawPayout, pos); err != nil {
			return err
		}

		priceAfter, err := lmsr.YesPrice(o.YesQuantity-req.DeltaYes, o.NoQuantity-req.DeltaNo, m.LiquidityParameter)
		if err != nil {
			return kernelErr(err)
		}

		// ---- 风控 ----
		tradeID := e.node.Generate().Int64()
		riskResults := e.risk.Evaluate(ctx, tx, cfg, risk.Input{
			TradeID: tradeID, UserID: req.UserID, MarketID: req.MarketID, OptionID: req.OptionID,
			Amount: rawPayout, TradeSize: qty,
			YesQuantity: o.YesQuantity, NoQuantity: o.NoQuantity,
			PriceBefore: priceBefore, PriceAfter: priceAfter,
		})
		for _, r := range riskResults {
			if !r.Passed {
				return ledger.ErrRiskRejected
			}
		}

		// ---- 滑点 ----
		if req.MinPayout > 0 {
			floor := req.MinPayout
			if req.SlippageBps > 0 {
				floor = req.MinPayout * (10_000 - req.SlippageBps) / 10_000
			}
			if netPayout < floor {
				return &ledger.SlippageError{Expected: floor, Actual: netPayout}
			}
		}

		// ---- 池流动性 ----
		if m.SharedPoolLiquidity < rawPayout {
			return ledger.NewInsufficient(ledger.ErrInsufficientPoolLiquidity, m.SharedPoolLiquidity, rawPayout)
		}

		// 卖出盈亏: 净回款 − 本侧平均成本×数量 (入场手续费视为沉没)
		costBasis := qty * pos.AvgPriceOf(side) / lmsr.Precision
		pnl := netPayout - costBasis

		// ---- 应用 ----
		if err := tx.UpdateWalletBalance(ctx, req.UserID, netPayout); err != nil {
			return err
		}
		if err := tx.UpdateOptionQuantities(ctx, req.OptionID, -req.DeltaYes, -req.DeltaNo); err != nil {
			return err
		}
		if err := tx.UpdateMarketStats(ctx, req.MarketID, ledger.MarketStatsDelta{
			VolumeDelta:       rawPayout,
			OpenInterestDelta: -(req.DeltaYes + req.DeltaNo),
			PoolDelta:         -rawPayout,
			ProtocolFee:       bd.Protocol,
			CreatorFee:        bd.Creator,
			LpFee:             bd.LP,
		}); err != nil {
			return err
		}

		applySellToPosition(pos, side, qty, pnl)
		if err := tx.SaveUserPosition(ctx, pos); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		tradeRec := &ledger.Trade{
			TradeID: tradeID, UserID: req.UserID, MarketID: req.MarketID, OptionID: req.OptionID,
			Side: side, IsBuy: false, Quantity: qty,
			RawAmount: rawPayout, TotalCost: netPayout, TotalFee: bd.Total,
			CreatedAt: now,
		}
		if err := tx.InsertTrade(ctx, tradeRec); err != nil {
			return err
		}

		point := &ledger.PricePoint{
			OptionID: req.OptionID,
			YesPrice: priceAfter, NoPrice: lmsr.Precision - priceAfter,
			YesQuantity: o.YesQuantity - req.DeltaYes, NoQuantity: o.NoQuantity - req.DeltaNo,
			Timestamp: now,
		}
		if err := tx.InsertPricePoint(ctx, point); err != nil {
			return err
		}

		result = SellResult{
			TradeID: tradeID, OptionID: req.OptionID, Side: side, Quantity: qty,
			RawPayout: rawPayout, Fees: bd, NetPayout: netPayout, RealizedPnl: pnl,
			YesPrice: priceAfter, NoPrice: lmsr.Precision - priceAfter,
			BalanceAfter: w.BalanceUSDC + netPayout,
		}
		events = e.tradeEvents(req.UserID, req.MarketID, tradeRec, point, pos, result.BalanceAfter)
		msgs = e.tradeAudit(tradeRec, point, riskResults, req.UserID, req.MarketID, req.OptionID, rawPayout)
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	e.emit(events, msgs)
	return &result, nil
}

// =============================================================================
// Claim
// =============================================================================

func (e *Engine) Claim(ctx context.Context, userID, marketID, optionID string) (*ClaimResult, error) {
	// 已结算选项提交后不可变，读不加锁即可 (领取期间锁持仓行就安全)
	o, err := e.store.GetOption(ctx, optionID)
	if err != nil {
		return nil, err
	}
	if !o.Claimable() {
		return nil, ledger.ErrOptionNotResolved
	}
	winning := o.WinningSide

	mu := e.locks.get(marketID)
	mu.Lock()
	defer mu.Unlock()

	var (
		result ClaimResult
		events []stream.Event
	)

	txErr := e.store.Transaction(ctx, func(tx ledger.Store) error {
		// 锁序: market → wallet → position (跳过已固化的选项行)
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		pos, err := tx.GetPositionForUpdate(ctx, userID, optionID)
		if err != nil {
			return err
		}
		if pos == nil {
			return ledger.ErrNoShares
		}
		if pos.IsClaimed {
			return ledger.ErrAlreadyClaimed
		}

		winningShares := pos.SharesOf(winning)
		if winningShares <= 0 {
			return ledger.ErrNoShares
		}

		// 1 微份额获胜 = 1 微单位
		payout := winningShares
		if m.SharedPoolLiquidity < payout {
			return ledger.NewInsufficient(ledger.ErrInsufficientPoolLiquidity, m.SharedPoolLiquidity, payout)
		}

		// 败侧成本一并核销进盈亏
		pnl := payout - (pos.TotalYesCost + pos.TotalNoCost)

		if err := tx.UpdateMarketStats(ctx, marketID, ledger.MarketStatsDelta{PoolDelta: -payout}); err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, userID, payout); err != nil {
			return err
		}

		pos.YesShares = 0
		pos.NoShares = 0
		pos.TotalYesCost = 0
		pos.TotalNoCost = 0
		pos.AvgYesPrice = 0
		pos.AvgNoPrice = 0
		pos.RealizedPnl += pnl
		pos.IsClaimed = true
		if err := tx.SaveUserPosition(ctx, pos); err != nil {
			return err
		}

		result = ClaimResult{
			OptionID: optionID, WinningSide: winning,
			Payout: payout, RealizedPnl: pnl,
			BalanceAfter: w.BalanceUSDC + payout,
		}

		now := time.Now().UnixMilli()
		events = []stream.Event{
			{
				Type: stream.EventClaimSettled, Subject: stream.UserSubject(userID),
				UserID: userID, MarketID: marketID, OptionID: optionID,
				Payload: stream.ClaimSettled{
					UserID: userID, OptionID: optionID,
					Payout: payout, RealizedPnl: pnl, Timestamp: now,
				},
			},
			{
				Type: stream.EventPositionUpdate, Subject: stream.UserSubject(userID),
				UserID: userID, MarketID: marketID, OptionID: optionID,
				Payload: stream.PositionUpdate{
					UserID: userID, OptionID: optionID,
					YesShares: 0, NoShares: 0, RealizedPnl: pos.RealizedPnl,
				},
			},
			{
				Type: stream.EventBalanceUpdate, Subject: stream.UserSubject(userID),
				UserID: userID, MarketID: marketID,
				Payload: stream.BalanceUpdate{UserID: userID, BalanceUSDC: result.BalanceAfter},
			},
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	e.emit(events, nil)
	return &result, nil
}

// =============================================================================
// 内部
// =============================================================================

// lockForTrade 按规范化锁序取市场/选项/钱包，并做前置校验
func (e *Engine) lockForTrade(ctx context.Context, tx ledger.Store, marketID, optionID, userID string) (*ledger.Market, *ledger.Option, *ledger.Wallet, error) {
	m, err := tx.GetMarketForUpdate(ctx, marketID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !m.IsInitialized {
		return nil, nil, nil, ledger.ErrMarketNotInitialized
	}
	if m.IsResolved {
		return nil, nil, nil, ledger.ErrMarketResolved
	}
	// 到期即停盘，即使结果 (AUTHORITY 裁决等) 还没出
	if m.Expired(time.Now().Unix()) {
		return nil, nil, nil, ledger.ErrMarketExpired
	}

	o, err := tx.GetOptionForUpdate(ctx, optionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if o.MarketID != marketID {
		return nil, nil, nil, ledger.ErrNotFound
	}
	if o.IsResolved {
		return nil, nil, nil, ledger.ErrOptionResolved
	}

	w, err := tx.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, o, w, nil
}

// checkLimits 交易限额。
// MaxUserMarketTotal 是市场维度的上限: 把用户在该市场全部选项的
// 成本基准合计进来，而不是只看本次交易的选项。
func checkLimits(ctx context.Context, tx ledger.Store, cfg *ledger.Moodring, marketID, userID, optionID string, amount int64, pos *ledger.UserPosition) error {
	if cfg.MinTradeAmount > 0 && amount < cfg.MinTradeAmount {
		return ledger.ErrLimitExceeded
	}
	if cfg.MaxTradeAmount > 0 && amount > cfg.MaxTradeAmount {
		return ledger.ErrLimitExceeded
	}
	if cfg.MaxUserMarketTotal > 0 {
		total := amount
		if pos != nil {
			total += pos.TotalYesCost + pos.TotalNoCost
		}
		options, err := tx.ListOptions(ctx, marketID)
		if err != nil {
			return err
		}
		for _, o := range options {
			if o.ID == optionID {
				continue
			}
			p, err := tx.GetPosition(ctx, userID, o.ID)
			if err != nil {
				return err
			}
			if p != nil {
				total += p.TotalYesCost + p.TotalNoCost
			}
		}
		if total > cfg.MaxUserMarketTotal {
			return ledger.ErrLimitExceeded
		}
	}
	return nil
}

// applyBuyToPosition 买入侧的持仓簿记，均价 = 累计成本 / 累计份额 (整数下取整)
func applyBuyToPosition(pos *ledger.UserPosition, side ledger.Side, qty, rawCost int64) {
	if side == ledger.SideYes {
		pos.YesShares += qty
		pos.TotalYesCost += rawCost
		pos.AvgYesPrice = avgPrice(pos.TotalYesCost, pos.YesShares)
	} else {
		pos.NoShares += qty
		pos.TotalNoCost += rawCost
		pos.AvgNoPrice = avgPrice(pos.TotalNoCost, pos.NoShares)
	}
}

// applySellToPosition 卖出侧的持仓簿记，成本按均价等比例释放，均价不变
func applySellToPosition(pos *ledger.UserPosition, side ledger.Side, qty, pnl int64) {
	if side == ledger.SideYes {
		pos.YesShares -= qty
		pos.TotalYesCost -= qty * pos.AvgYesPrice / lmsr.Precision
		if pos.YesShares == 0 {
			pos.TotalYesCost = 0
			pos.AvgYesPrice = 0
		}
	} else {
		pos.NoShares -= qty
		pos.TotalNoCost -= qty * pos.AvgNoPrice / lmsr.Precision
		if pos.NoShares == 0 {
			pos.TotalNoCost = 0
			pos.AvgNoPrice = 0
		}
	}
	pos.RealizedPnl += pnl
}

// avgPrice PRECISION 缩放的每份额均价
func avgPrice(totalCost, shares int64) int64 {
	if shares == 0 {
		return 0
	}
	return totalCost * lmsr.Precision / shares
}

// tradeEvents 一笔成交的全部出站事件 (提交后发)
func (e *Engine) tradeEvents(userID, marketID string, t *ledger.Trade, p *ledger.PricePoint, pos *ledger.UserPosition, balanceAfter int64) []stream.Event {
	return []stream.Event{
		{
			Type: stream.EventPriceUpdate, Subject: stream.OptionSubject(t.OptionID),
			UserID: userID, MarketID: marketID, OptionID: t.OptionID,
			Payload: stream.PriceUpdate{
				OptionID: t.OptionID, YesPrice: p.YesPrice, NoPrice: p.NoPrice,
				YesQuantity: p.YesQuantity, NoQuantity: p.NoQuantity, Timestamp: p.Timestamp,
			},
		},
		{
			Type: stream.EventTradeCreated, Subject: stream.MarketSubject(marketID),
			UserID: userID, MarketID: marketID, OptionID: t.OptionID,
			Payload: stream.TradeCreated{
				TradeID: t.TradeID, MarketID: marketID, OptionID: t.OptionID, UserID: userID,
				Side: t.Side, IsBuy: t.IsBuy, Quantity: t.Quantity, TotalCost: t.TotalCost,
				Timestamp: t.CreatedAt,
			},
		},
		{
			Type: stream.EventPositionUpdate, Subject: stream.UserSubject(userID),
			UserID: userID, MarketID: marketID, OptionID: t.OptionID,
			Payload: stream.PositionUpdate{
				UserID: userID, OptionID: t.OptionID,
				YesShares: pos.YesShares, NoShares: pos.NoShares, RealizedPnl: pos.RealizedPnl,
			},
		},
		{
			Type: stream.EventBalanceUpdate, Subject: stream.UserSubject(userID),
			UserID: userID, MarketID: marketID,
			Payload: stream.BalanceUpdate{UserID: userID, BalanceUSDC: balanceAfter},
		},
	}
}

// tradeAudit 一笔成交的审计消息
func (e *Engine) tradeAudit(t *ledger.Trade, p *ledger.PricePoint, riskResults []risk.CheckResult, userID, marketID, optionID string, amount int64) []audit.Message {
	msgs := []audit.Message{
		audit.NewTradeMessage(t),
		&audit.PricePointMessage{
			OptionID: p.OptionID, YesPrice: p.YesPrice, NoPrice: p.NoPrice,
			YesQuantity: p.YesQuantity, NoQuantity: p.NoQuantity, Timestamp: p.Timestamp,
		},
	}
	for _, r := range riskResults {
		if !r.Triggered || r.RiskScore == 0 {
			continue
		}
		msgs = append(msgs, &audit.SuspiciousTradeMessage{
			TradeID: t.TradeID, UserID: userID, MarketID: marketID, OptionID: optionID,
			Amount: amount, DetectionReason: r.Reason, RiskScore: r.RiskScore,
			Timestamp: t.CreatedAt,
		})
	}
	return msgs
}

// emit 提交后发布，全部尽力而为
func (e *Engine) emit(events []stream.Event, msgs []audit.Message) {
	if e.hub != nil {
		for _, ev := range events {
			e.hub.Publish(ev)
		}
	}
	if e.audit != nil {
		for _, msg := range msgs {
			if err := e.audit.Publish(msg); err != nil {
				log.Printf("[Trade] audit publish failed: %v", err)
			}
		}
	}
}
