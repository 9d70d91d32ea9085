// 文件: pkg/resolution/resolver.go
// 结算与争议
//
// 三种结算模式走同一状态机，区别只在入口与窗口:
//
//	ORACLE     管理员直接出结果，立即 Settled
//	AUTHORITY  裁决人出结果 → AwaitingDispute (押金争议窗口) → Settled
//	OPINION    到期按最后成交价自动出结果，立即 Settled
//
// 出结果即停止交易 (is_resolved 翻开)，但 AUTHORITY 模式在
// Settled 之前不开放领取，争议期间结果可被管理员推翻。
// 争议押金: 维持原判没收入协议费，推翻退还发起人。
//
// 两个清扫器给调度器周期调用，单个市场失败跳过不中断整轮。

package resolution

import (
	"context"
	"log"
	"time"

	"pmx.com/pkg/ledger"
	"pmx.com/pkg/lmsr"
	"pmx.com/pkg/stream"
)

// EventPublisher 提交后的事件出口
type EventPublisher interface {
	Publish(e stream.Event)
}

// Resolver 结算器
type Resolver struct {
	store ledger.Store
	hub   EventPublisher // 可为 nil
}

func NewResolver(store ledger.Store, hub EventPublisher) *Resolver {
	return &Resolver{store: store, hub: hub}
}

// =============================================================================
// ORACLE
// =============================================================================

// ResolveOracle 管理员直接结算，立即开放领取
func (r *Resolver) ResolveOracle(ctx context.Context, optionID string, winner ledger.Side) error {
	if winner != ledger.SideYes && winner != ledger.SideNo {
		return ledger.ErrInvalidInput
	}

	var events []stream.Event
	err := r.store.Transaction(ctx, func(tx ledger.Store) error {
		// 先无锁读出 market_id，再按规范锁序 market → option 加锁
		peek, err := tx.GetOption(ctx, optionID)
		if err != nil {
			return err
		}

		m, err := tx.GetMarketForUpdate(ctx, peek.MarketID)
		if err != nil {
			return err
		}
		if m.ResolutionMode != ledger.ResolutionOracle {
			return ledger.ErrInvalidInput
		}

		o, err := tx.GetOptionForUpdate(ctx, optionID)
		if err != nil {
			return err
		}
		if o.IsResolved {
			return ledger.ErrOptionResolved
		}

		o.IsResolved = true
		o.WinningSide = winner
		o.Status = ledger.OptionSettled
		if err := tx.SaveOption(ctx, o); err != nil {
			return err
		}
		if err := r.markMarketResolvedIfDone(ctx, tx, m.ID); err != nil {
			return err
		}
		events = resolvedEvents(o)
		return nil
	})
	if err != nil {
		return err
	}
	r.emit(events)
	return nil
}

// =============================================================================
// AUTHORITY
// =============================================================================

// ProposeAuthority 裁决人提交结果，开启争议窗口。
// 交易即刻停止，领取等窗口关闭。
func (r *Resolver) ProposeAuthority(ctx context.Context, optionID string, winner ledger.Side) error {
	if winner != ledger.SideYes && winner != ledger.SideNo {
		return ledger.ErrInvalidInput
	}

	return r.store.Transaction(ctx, func(tx ledger.Store) error {
		cfg, err := tx.Moodring(ctx)
		if err != nil {
			return err
		}

		// 先无锁读出 market_id，再按规范锁序 market → option 加锁
		peek, err := tx.GetOption(ctx, optionID)
		if err != nil {
			return err
		}

		m, err := tx.GetMarketForUpdate(ctx, peek.MarketID)
		if err != nil {
			return err
		}
		if m.ResolutionMode != ledger.ResolutionAuthority {
			return ledger.ErrInvalidInput
		}

		o, err := tx.GetOptionForUpdate(ctx, optionID)
		if err != nil {
			return err
		}
		if o.IsResolved {
			return ledger.ErrOptionResolved
		}

		o.IsResolved = true
		o.WinningSide = winner
		o.Status = ledger.OptionAwaitingDispute
		o.DisputeDeadline = time.Now().Unix() + cfg.DisputeWindowSecs
		return tx.SaveOption(ctx, o)
	})
}

// FileDispute 在窗口内对 AUTHORITY 结果发起争议，押金入押
func (r *Resolver) FileDispute(ctx context.Context, userID, optionID, reason string) (*ledger.Dispute, error) {
	var dispute *ledger.Dispute
	err := r.store.Transaction(ctx, func(tx ledger.Store) error {
		cfg, err := tx.Moodring(ctx)
		if err != nil {
			return err
		}

		o, err := tx.GetOptionForUpdate(ctx, optionID)
		if err != nil {
			return err
		}
		if o.Status != ledger.OptionAwaitingDispute {
			return ledger.ErrDisputeWindowClosed
		}
		if time.Now().Unix() >= o.DisputeDeadline {
			return ledger.ErrDisputeWindowClosed
		}

		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if w.BalanceUSDC < cfg.DisputeBond {
			return ledger.NewInsufficient(ledger.ErrInsufficientBalance, w.BalanceUSDC, cfg.DisputeBond)
		}
		if err := tx.UpdateWalletBalance(ctx, userID, -cfg.DisputeBond); err != nil {
			return err
		}

		o.Status = ledger.OptionUnderReview
		if err := tx.SaveOption(ctx, o); err != nil {
			return err
		}

		dispute = ledger.NewDispute(optionID, o.MarketID, userID, cfg.DisputeBond, reason)
		return tx.InsertDispute(ctx, dispute)
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// RuleDispute 管理员裁定争议并最终结算选项。
// overturn = true 推翻原结果 (胜方翻面，押金退还)，
// false 维持原判 (押金没收入协议费)。
func (r *Resolver) RuleDispute(ctx context.Context, disputeID string, overturn bool) error {
	var events []stream.Event
	err := r.store.Transaction(ctx, func(tx ledger.Store) error {
		d, err := tx.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != ledger.DisputeOpen {
			return ledger.ErrInvalidInput
		}

		m, err := tx.GetMarketForUpdate(ctx, d.MarketID)
		if err != nil {
			return err
		}
		o, err := tx.GetOptionForUpdate(ctx, d.OptionID)
		if err != nil {
			return err
		}
		if o.Status != ledger.OptionUnderReview {
			return ledger.ErrInvalidInput
		}

		if overturn {
			d.Status = ledger.DisputeOverturned
			if o.WinningSide == ledger.SideYes {
				o.WinningSide = ledger.SideNo
			} else {
				o.WinningSide = ledger.SideYes
			}
			if err := tx.UpdateWalletBalance(ctx, d.UserID, d.Bond); err != nil {
				return err
			}
		} else {
			d.Status = ledger.DisputeUpheld
			if err := tx.UpdateMarketStats(ctx, d.MarketID, ledger.MarketStatsDelta{
				ProtocolFee: d.Bond,
			}); err != nil {
				return err
			}
		}

		d.ResolvedAt = time.Now().UnixMilli()
		if err := tx.SaveDispute(ctx, d); err != nil {
			return err
		}

		o.Status = ledger.OptionSettled
		if err := tx.SaveOption(ctx, o); err != nil {
			return err
		}
		if err := r.markMarketResolvedIfDone(ctx, tx, m.ID); err != nil {
			return err
		}
		events = resolvedEvents(o)
		return nil
	})
	if err != nil {
		return err
	}
	r.emit(events)
	return nil
}

// =============================================================================
// OPINION
// =============================================================================

// resolveOpinionOption 按到期前最后成交价结算: YES 价 ≥ 0.5 判 YES。
// 无历史价格点时退回按当前库存现算。
func (r *Resolver) resolveOpinionOption(ctx context.Context, tx ledger.Store, m *ledger.Market, o *ledger.Option) error {
	yesPrice := int64(lmsr.Precision / 2)

	point, err := tx.LatestPricePointBefore(ctx, o.ID, m.ExpiresAt*1000)
	if err != nil {
		return err
	}
	if point != nil {
		yesPrice = point.YesPrice
	} else if o.YesQuantity > 0 || o.NoQuantity > 0 {
		yesPrice, err = lmsr.YesPrice(o.YesQuantity, o.NoQuantity, m.LiquidityParameter)
		if err != nil {
			return err
		}
	}

	o.IsResolved = true
	o.Status = ledger.OptionSettled
	if yesPrice >= lmsr.Precision/2 {
		o.WinningSide = ledger.SideYes
	} else {
		o.WinningSide = ledger.SideNo
	}
	return tx.SaveOption(ctx, o)
}

// ResolveOpinionMarket 结算一个到期的 OPINION 市场
func (r *Resolver) ResolveOpinionMarket(ctx context.Context, marketID string) error {
	var events []stream.Event
	err := r.store.Transaction(ctx, func(tx ledger.Store) error {
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if m.ResolutionMode != ledger.ResolutionOpinion {
			return ledger.ErrInvalidInput
		}
		if m.IsResolved {
			return ledger.ErrMarketResolved
		}
		if time.Now().Unix() < m.ExpiresAt {
			return ledger.ErrInvalidInput
		}

		options, err := tx.ListOptions(ctx, marketID)
		if err != nil {
			return err
		}
		for _, o := range options {
			if o.IsResolved {
				continue
			}
			lo, err := tx.GetOptionForUpdate(ctx, o.ID)
			if err != nil {
				return err
			}
			if err := r.resolveOpinionOption(ctx, tx, m, lo); err != nil {
				return err
			}
			events = append(events, resolvedEvents(lo)...)
		}
		return r.markMarketResolvedIfDone(ctx, tx, m.ID)
	})
	if err != nil {
		return err
	}
	r.emit(events)
	return nil
}

// =============================================================================
// 清扫器
// =============================================================================

// SweepExpiredOpinionMarkets 结算全部到期未结算的 OPINION 市场。
// 单个市场失败记日志继续，返回成功结算数。
func (r *Resolver) SweepExpiredOpinionMarkets(ctx context.Context) (int, error) {
	markets, err := r.store.ListExpiredUnresolved(ctx, time.Now().Unix())
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, m := range markets {
		if err := r.ResolveOpinionMarket(ctx, m.ID); err != nil {
			log.Printf("[Resolution] opinion sweep failed: market=%s err=%v", m.ID, err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// SweepExpiredDisputeWindows 关闭全部到期的争议窗口，选项转 Settled
func (r *Resolver) SweepExpiredDisputeWindows(ctx context.Context) (int, error) {
	options, err := r.store.ListExpiredDisputeWindows(ctx, time.Now().Unix())
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, o := range options {
		if err := r.settleDisputeWindow(ctx, o.ID); err != nil {
			log.Printf("[Resolution] dispute window settle failed: option=%s err=%v", o.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (r *Resolver) settleDisputeWindow(ctx context.Context, optionID string) error {
	var events []stream.Event
	err := r.store.Transaction(ctx, func(tx ledger.Store) error {
		// 先无锁读出 market_id，再按规范锁序 market → option 加锁
		peek, err := tx.GetOption(ctx, optionID)
		if err != nil {
			return err
		}

		m, err := tx.GetMarketForUpdate(ctx, peek.MarketID)
		if err != nil {
			return err
		}

		o, err := tx.GetOptionForUpdate(ctx, optionID)
		if err != nil {
			return err
		}
		if o.Status != ledger.OptionAwaitingDispute {
			// 窗口期间被争议或已被处理，交给争议裁定路径
			return nil
		}
		if time.Now().Unix() < o.DisputeDeadline {
			return ledger.ErrDisputeWindowOpen
		}

		o.Status = ledger.OptionSettled
		if err := tx.SaveOption(ctx, o); err != nil {
			return err
		}
		if err := r.markMarketResolvedIfDone(ctx, tx, m.ID); err != nil {
			return err
		}
		events = resolvedEvents(o)
		return nil
	})
	if err != nil {
		return err
	}
	r.emit(events)
	return nil
}

// =============================================================================
// 内部
// =============================================================================

// markMarketResolvedIfDone 全部选项 Settled 后市场整体转已结算。
// 行级统计 (押金入协议费等) 可能在本事务内刚被增量更新过，
// 整行保存前必须重读市场行，绝不回写早先读到的旧结构。
func (r *Resolver) markMarketResolvedIfDone(ctx context.Context, tx ledger.Store, marketID string) error {
	options, err := tx.ListOptions(ctx, marketID)
	if err != nil {
		return err
	}
	for _, o := range options {
		if o.Status != ledger.OptionSettled {
			return nil
		}
	}
	m, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	m.IsResolved = true
	return tx.SaveMarket(ctx, m)
}

// resolvedEvents 结算事件 + 价格快照。
// 结算把价格定格在结果上: 胜方 Precision，负方 0。
func resolvedEvents(o *ledger.Option) []stream.Event {
	now := time.Now().UnixMilli()
	yesPrice := int64(0)
	if o.WinningSide == ledger.SideYes {
		yesPrice = lmsr.Precision
	}
	return []stream.Event{
		{
			Type: stream.EventPriceUpdate, Subject: stream.OptionSubject(o.ID),
			MarketID: o.MarketID, OptionID: o.ID,
			Payload: stream.PriceUpdate{
				OptionID: o.ID,
				YesPrice: yesPrice, NoPrice: lmsr.Precision - yesPrice,
				YesQuantity: o.YesQuantity, NoQuantity: o.NoQuantity,
				Timestamp: now,
			},
		},
		{
			Type: stream.EventResolved, Subject: stream.OptionSubject(o.ID),
			MarketID: o.MarketID, OptionID: o.ID,
			Payload: stream.Resolved{OptionID: o.ID, WinningSide: o.WinningSide, Timestamp: now},
		},
		{
			Type: stream.EventResolved, Subject: stream.MarketSubject(o.MarketID),
			MarketID: o.MarketID, OptionID: o.ID,
			Payload: stream.Resolved{OptionID: o.ID, WinningSide: o.WinningSide, Timestamp: now},
		},
	}
}

func (r *Resolver) emit(events []stream.Event) {
	if r.hub == nil {
		return
	}
	for _, e := range events {
		r.hub.Publish(e)
	}
}
