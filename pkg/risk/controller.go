// 文件: pkg/risk/controller.go
// 风控控制器
//
// 每笔交易按序跑三道检查:
// 1. 大额可疑: 金额过阈值 → 写 suspicious_trades，score = min(100, 50·amount/阈值)
// 2. 熔断器: 市场近一小时成交额过阈值 → 写 suspicious_trades，score = 100
// 3. 波动率闸: 交易前后价格变化超出按市场成熟度调整的阈值 → 仅记日志
//
// 全部检查当前只记录不拦截 (Passed 恒为 true)，保留 Passed 字段
// 供按部署开启强制执行。控制器从不改动市场或持仓状态，
// 只向 suspicious_trades 流水追加；追加失败也不影响交易本身。

package risk

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"pmx.com/pkg/ledger"
)

// 检查名
const (
	CheckSuspiciousAmount = "suspicious_amount"
	CheckCircuitBreaker   = "circuit_breaker"
	CheckVolatility       = "volatility"
)

// Input 一笔候选交易的风控视图
type Input struct {
	TradeID  int64
	UserID   string
	MarketID string
	OptionID string

	Amount    int64 // 含费总额 (微单位)
	TradeSize int64 // Δyes + Δno (微份额)

	// 交易前库存与前后报价 (波动率闸用)
	YesQuantity int64
	NoQuantity  int64
	PriceBefore int64
	PriceAfter  int64
}

// CheckResult 单道检查的结论
type CheckResult struct {
	Name      string
	Passed    bool // 当前恒 true，强制执行开关的预留位
	Triggered bool
	RiskScore int
	Reason    string
}

// Controller 风控控制器，无状态，配置与存储均由调用方传入
type Controller struct{}

func NewController() *Controller { return &Controller{} }

// Evaluate 在交易事务内执行全部检查
//
// tx 是交易自己的事务 Store，可疑流水与交易同事务落库；
// 任何一道检查的持久化失败都只记日志，交易照常提交。
func (c *Controller) Evaluate(ctx context.Context, tx ledger.Store, cfg *ledger.Moodring, in Input) []CheckResult {
	results := make([]CheckResult, 0, 3)
	results = append(results, c.checkSuspiciousAmount(ctx, tx, cfg, in))
	results = append(results, c.checkCircuitBreaker(ctx, tx, cfg, in))
	results = append(results, c.checkVolatility(cfg, in))
	return results
}

// =============================================================================
// 检查 1: 大额可疑
// =============================================================================

func (c *Controller) checkSuspiciousAmount(ctx context.Context, tx ledger.Store, cfg *ledger.Moodring, in Input) CheckResult {
	result := CheckResult{Name: CheckSuspiciousAmount, Passed: true}

	threshold := cfg.SuspiciousTradeThreshold
	if threshold <= 0 || in.Amount < threshold {
		return result
	}

	score := 50 * in.Amount / threshold
	if score > 100 {
		score = 100
	}

	result.Triggered = true
	result.RiskScore = int(score)
	result.Reason = CheckSuspiciousAmount

	c.record(ctx, tx, in, result, map[string]int64{
		"amount":    in.Amount,
		"threshold": threshold,
	})
	return result
}

// =============================================================================
// 检查 2: 小时熔断器
// =============================================================================

func (c *Controller) checkCircuitBreaker(ctx context.Context, tx ledger.Store, cfg *ledger.Moodring, in Input) CheckResult {
	result := CheckResult{Name: CheckCircuitBreaker, Passed: true}

	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		return result
	}

	since := time.Now().Add(-time.Hour).UnixMilli()
	volume, err := tx.SumMarketVolumeSince(ctx, in.MarketID, since)
	if err != nil {
		log.Printf("[Risk] circuit breaker volume query failed: market=%s err=%v", in.MarketID, err)
		return result
	}
	if volume < threshold {
		return result
	}

	result.Triggered = true
	result.RiskScore = 100
	result.Reason = CheckCircuitBreaker

	c.record(ctx, tx, in, result, map[string]int64{
		"hourly_volume": volume,
		"threshold":     threshold,
	})
	return result
}

// =============================================================================
// 检查 3: 波动率闸 (仅日志)
// =============================================================================

// maturityMultiplier 市场越不成熟 (库存相对本笔交易越小)，容忍的波动越大
func maturityMultiplier(inventory, tradeSize int64) int64 {
	if tradeSize <= 0 {
		return 1
	}
	switch {
	case inventory < 10*tradeSize:
		return 5
	case inventory < 50*tradeSize:
		return 3
	case inventory < 100*tradeSize:
		return 2
	}
	return 1
}

func (c *Controller) checkVolatility(cfg *ledger.Moodring, in Input) CheckResult {
	result := CheckResult{Name: CheckVolatility, Passed: true}

	if cfg.MaxMarketVolatilityThreshold <= 0 || in.PriceBefore <= 0 {
		return result
	}

	move := in.PriceAfter - in.PriceBefore
	if move < 0 {
		move = -move
	}
	volatilityBps := 10_000 * move / in.PriceBefore

	threshold := cfg.MaxMarketVolatilityThreshold *
		maturityMultiplier(in.YesQuantity+in.NoQuantity, in.TradeSize)

	if volatilityBps < threshold {
		return result
	}

	result.Triggered = true
	result.Reason = CheckVolatility
	log.Printf("[Risk] volatility gate: option=%s move=%dbps threshold=%dbps trade=%d",
		in.OptionID, volatilityBps, threshold, in.TradeID)
	return result
}

// =============================================================================
// 落库
// =============================================================================

func (c *Controller) record(ctx context.Context, tx ledger.Store, in Input, r CheckResult, meta map[string]int64) {
	metadata, _ := json.Marshal(meta)
	err := tx.InsertSuspiciousTrade(ctx, &ledger.SuspiciousTrade{
		TradeID:           in.TradeID,
		UserID:            in.UserID,
		MarketID:          in.MarketID,
		OptionID:          in.OptionID,
		Amount:            in.Amount,
		DetectionReason:   r.Reason,
		DetectionMetadata: string(metadata),
		RiskScore:         r.RiskScore,
		CreatedAt:         time.Now().UnixMilli(),
	})
	if err != nil {
		// 风控遥测非关键路径
		log.Printf("[Risk] record suspicious trade failed: trade=%d err=%v", in.TradeID, err)
	}
}
