// 文件: pkg/ledger/model.go
// 账本模型 - 预测市场的全部持久化实体
//
// 金额约定: 所有货币量与份额量都是非负 int64 微单位
// (1 单位 = 10^6 微单位)，定价精度 PRECISION = 10^6。
// 实体 ID 统一用 UUID 字符串，成交/事件 ID 用雪花 int64。

package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// 枚举
// =============================================================================

// Side 交易方向 (结果侧)
type Side int8

const (
	SideYes Side = 1
	SideNo  Side = 2
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "YES"
	case SideNo:
		return "NO"
	}
	return "UNKNOWN"
}

// ResolutionMode 结算模式
type ResolutionMode string

const (
	ResolutionOracle    ResolutionMode = "ORACLE"    // 平台管理员直接结算，立即生效
	ResolutionAuthority ResolutionMode = "AUTHORITY" // 指定裁决人结算，带争议窗口
	ResolutionOpinion   ResolutionMode = "OPINION"   // 到期价格自动结算
)

// OptionStatus 选项状态机
//
//	Open ──(出结果)──► AwaitingDispute ──(窗口到期)──► Settled
//	                        │
//	                        └(有人争议)──► UnderReview ──(管理员裁定)──► Settled
//
// ORACLE 模式跳过 AwaitingDispute 直达 Settled。
type OptionStatus int8

const (
	OptionOpen OptionStatus = iota
	OptionAwaitingDispute
	OptionUnderReview
	OptionSettled
)

func (s OptionStatus) String() string {
	switch s {
	case OptionOpen:
		return "OPEN"
	case OptionAwaitingDispute:
		return "AWAITING_DISPUTE"
	case OptionUnderReview:
		return "UNDER_REVIEW"
	case OptionSettled:
		return "SETTLED"
	}
	return "UNKNOWN"
}

// DisputeStatus 争议状态
type DisputeStatus int8

const (
	DisputeOpen       DisputeStatus = iota // 待审
	DisputeUpheld                          // 维持原结果，押金没收入协议
	DisputeOverturned                      // 推翻原结果，押金退还
)

// =============================================================================
// Market - 市场
// =============================================================================

type Market struct {
	ID          string `gorm:"primaryKey;type:char(36)"`
	Question    string `gorm:"column:question;type:varchar(512)"`
	Description string `gorm:"column:description;type:text"`
	CreatorID   string `gorm:"column:creator_id;type:char(36);index"`

	ExpiresAt      int64          `gorm:"column:expires_at"` // 秒
	IsBinary       bool           `gorm:"column:is_binary"`
	IsInitialized  bool           `gorm:"column:is_initialized"`
	IsResolved     bool           `gorm:"column:is_resolved"`
	ResolutionMode ResolutionMode `gorm:"column:resolution_mode;type:varchar(16)"`

	// 定价与资金池
	LiquidityParameter  int64 `gorm:"column:liquidity_parameter"`   // b，初始化后不变
	SharedPoolLiquidity int64 `gorm:"column:shared_pool_liquidity"` // 抵押池 (微单位)

	// 累计统计
	TotalVolume                  int64 `gorm:"column:total_volume"`
	TotalOpenInterest            int64 `gorm:"column:total_open_interest"`
	CreatorFeesCollected         int64 `gorm:"column:creator_fees_collected"`
	LifetimeCreatorFeesGenerated int64 `gorm:"column:lifetime_creator_fees_generated"`
	ProtocolFeesCollected        int64 `gorm:"column:protocol_fees_collected"`
	AccumulatedLpFees            int64 `gorm:"column:accumulated_lp_fees"`

	// LP 份额总量 (在市场行的锁下更新)
	TotalLpShares int64 `gorm:"column:total_lp_shares"`

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (Market) TableName() string { return "markets" }

// AcceptsTrades 市场是否可交易
func (m *Market) AcceptsTrades() bool {
	return m.IsInitialized && !m.IsResolved
}

// Expired 是否已过交易截止时间 (ExpiresAt = 0 表示不设截止)
func (m *Market) Expired(now int64) bool {
	return m.ExpiresAt > 0 && now >= m.ExpiresAt
}

// NewMarket 创建未初始化市场
func NewMarket(creatorID, question, description string, expiresAt, b int64, mode ResolutionMode) *Market {
	now := time.Now().UnixMilli()
	return &Market{
		ID:                 uuid.NewString(),
		Question:           question,
		Description:        description,
		CreatorID:          creatorID,
		ExpiresAt:          expiresAt,
		IsBinary:           true,
		ResolutionMode:     mode,
		LiquidityParameter: b,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// =============================================================================
// Option - 市场选项 (二元结果对)
// =============================================================================

type Option struct {
	ID       string `gorm:"primaryKey;type:char(36)"`
	MarketID string `gorm:"column:market_id;type:char(36);index"`
	Label    string `gorm:"column:label;type:varchar(256)"`

	YesQuantity int64 `gorm:"column:yes_quantity"` // 微份额
	NoQuantity  int64 `gorm:"column:no_quantity"`

	IsResolved      bool         `gorm:"column:is_resolved"`
	WinningSide     Side         `gorm:"column:winning_side"` // 0 = 未定
	Status          OptionStatus `gorm:"column:status;index"`
	DisputeDeadline int64        `gorm:"column:dispute_deadline"` // 秒，0 = 无窗口

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (Option) TableName() string { return "market_options" }

// AcceptsTrades 选项是否可交易
func (o *Option) AcceptsTrades() bool {
	return !o.IsResolved
}

// Claimable 是否可领取。
// AwaitingDispute / UnderReview 阶段结果仍可能被推翻，领取不开放。
func (o *Option) Claimable() bool {
	return o.IsResolved && o.Status == OptionSettled &&
		(o.WinningSide == SideYes || o.WinningSide == SideNo)
}

func NewOption(marketID, label string) *Option {
	now := time.Now().UnixMilli()
	return &Option{
		ID:        uuid.NewString(),
		MarketID:  marketID,
		Label:     label,
		Status:    OptionOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// Wallet - 钱包 (每用户一个)
// =============================================================================

type Wallet struct {
	ID          string `gorm:"primaryKey;type:char(36)"`
	UserID      string `gorm:"column:user_id;type:char(36);uniqueIndex"`
	BalanceUSDC int64  `gorm:"column:balance_usdc"` // 微单位，恒非负

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

func NewWallet(userID string) *Wallet {
	now := time.Now().UnixMilli()
	return &Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// UserPosition - 用户持仓 ((user, option) 唯一)
// =============================================================================

type UserPosition struct {
	ID       string `gorm:"primaryKey;type:char(36)"`
	UserID   string `gorm:"column:user_id;type:char(36);uniqueIndex:uniq_user_option"`
	OptionID string `gorm:"column:option_id;type:char(36);uniqueIndex:uniq_user_option"`
	MarketID string `gorm:"column:market_id;type:char(36);index"`

	YesShares int64 `gorm:"column:yes_shares"`
	NoShares  int64 `gorm:"column:no_shares"`

	// 成本基准: 税前毛成本 (手续费计入即时盈亏，不摊入本金)
	TotalYesCost int64 `gorm:"column:total_yes_cost"`
	TotalNoCost  int64 `gorm:"column:total_no_cost"`
	AvgYesPrice  int64 `gorm:"column:avg_yes_price"` // 微单位/份额，PRECISION 缩放
	AvgNoPrice   int64 `gorm:"column:avg_no_price"`

	RealizedPnl int64 `gorm:"column:realized_pnl"` // 有符号
	IsClaimed   bool  `gorm:"column:is_claimed"`

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (UserPosition) TableName() string { return "user_positions" }

// SharesOf 按方向取持仓份额
func (p *UserPosition) SharesOf(side Side) int64 {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// AvgPriceOf 按方向取平均成本价
func (p *UserPosition) AvgPriceOf(side Side) int64 {
	if side == SideYes {
		return p.AvgYesPrice
	}
	return p.AvgNoPrice
}

func NewUserPosition(userID, optionID, marketID string) *UserPosition {
	now := time.Now().UnixMilli()
	return &UserPosition{
		ID:        uuid.NewString(),
		UserID:    userID,
		OptionID:  optionID,
		MarketID:  marketID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// LpPosition - 流动性持仓 ((user, market) 唯一)
// =============================================================================

type LpPosition struct {
	ID       string `gorm:"primaryKey;type:char(36)"`
	UserID   string `gorm:"column:user_id;type:char(36);uniqueIndex:uniq_user_market"`
	MarketID string `gorm:"column:market_id;type:char(36);uniqueIndex:uniq_user_market"`

	Shares          int64 `gorm:"column:shares"` // 微份额
	DepositedAmount int64 `gorm:"column:deposited_amount"`
	CurrentValue    int64 `gorm:"column:current_value"`   // 缓存值
	ClaimableValue  int64 `gorm:"column:claimable_value"` // 结算时计算

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (LpPosition) TableName() string { return "lp_positions" }

func NewLpPosition(userID, marketID string) *LpPosition {
	now := time.Now().UnixMilli()
	return &LpPosition{
		ID:        uuid.NewString(),
		UserID:    userID,
		MarketID:  marketID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// Trade - 成交流水 (只追加)
// =============================================================================

// Trade 仅用于审计与熔断器的小时成交量求和
type Trade struct {
	ID      uint  `gorm:"primaryKey;autoIncrement"`
	TradeID int64 `gorm:"column:trade_id;uniqueIndex"` // 雪花ID

	UserID   string `gorm:"column:user_id;type:char(36);index"`
	MarketID string `gorm:"column:market_id;type:char(36);index:idx_market_created,priority:1"`
	OptionID string `gorm:"column:option_id;type:char(36);index"`

	Side      Side  `gorm:"column:side"`
	IsBuy     bool  `gorm:"column:is_buy"`
	Quantity  int64 `gorm:"column:quantity"`
	RawAmount int64 `gorm:"column:raw_amount"` // 税前成本/回款
	TotalCost int64 `gorm:"column:total_cost"` // 买入含费，卖出为净回款
	TotalFee  int64 `gorm:"column:total_fee"`

	CreatedAt int64 `gorm:"column:created_at;index:idx_market_created,priority:2"` // 毫秒
}

func (Trade) TableName() string { return "trades" }

// =============================================================================
// SuspiciousTrade - 风控可疑成交 (只追加)
// =============================================================================

type SuspiciousTrade struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	TradeID  int64  `gorm:"column:trade_id;index"`
	UserID   string `gorm:"column:user_id;type:char(36);index"`
	MarketID string `gorm:"column:market_id;type:char(36);index"`
	OptionID string `gorm:"column:option_id;type:char(36)"`
	Amount   int64  `gorm:"column:amount"`

	DetectionReason      string `gorm:"column:detection_reason;type:varchar(64)"`
	DetectionMetadata    string `gorm:"column:detection_metadata;type:json"`
	RiskScore            int    `gorm:"column:risk_score"` // [0, 100]
	AutomatedActionTaken bool   `gorm:"column:automated_action_taken"`

	CreatedAt int64 `gorm:"column:created_at"`
}

func (SuspiciousTrade) TableName() string { return "suspicious_trades" }

// =============================================================================
// PricePoint - 价格历史 (只追加，每笔成交一行)
// =============================================================================

type PricePoint struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	OptionID    string `gorm:"column:option_id;type:char(36);index:idx_option_ts,priority:1"`
	YesPrice    int64  `gorm:"column:yes_price"`
	NoPrice     int64  `gorm:"column:no_price"`
	YesQuantity int64  `gorm:"column:yes_quantity"`
	NoQuantity  int64  `gorm:"column:no_quantity"`

	Timestamp int64 `gorm:"column:timestamp;index:idx_option_ts,priority:2"` // 毫秒
}

func (PricePoint) TableName() string { return "price_history" }

// =============================================================================
// Dispute - 争议
// =============================================================================

type Dispute struct {
	ID        string `gorm:"primaryKey;type:char(36)"`
	OptionID  string `gorm:"column:option_id;type:char(36);index"`
	MarketID  string `gorm:"column:market_id;type:char(36);index"`
	UserID    string `gorm:"column:user_id;type:char(36)"` // 争议发起人
	Bond      int64  `gorm:"column:bond"`                  // 押金 (微单位)
	Reason    string `gorm:"column:reason;type:text"`

	Status     DisputeStatus `gorm:"column:status;index"`
	ResolvedAt int64         `gorm:"column:resolved_at"`
	CreatedAt  int64         `gorm:"column:created_at"`
}

func (Dispute) TableName() string { return "disputes" }

func NewDispute(optionID, marketID, userID string, bond int64, reason string) *Dispute {
	return &Dispute{
		ID:        uuid.NewString(),
		OptionID:  optionID,
		MarketID:  marketID,
		UserID:    userID,
		Bond:      bond,
		Reason:    reason,
		Status:    DisputeOpen,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Moodring - 单行配置表
// =============================================================================

// Moodring 全部业务可调参数。每笔交易的事务内读一次，
// 管理端更新走独立事务串行化。
type Moodring struct {
	ID int `gorm:"primaryKey"` // 恒为 1

	// 费率 (ppm，百万分之一)
	ProtocolFeeRate int64 `gorm:"column:protocol_fee_rate"`
	CreatorFeeRate  int64 `gorm:"column:creator_fee_rate"`
	LpFeeRate       int64 `gorm:"column:lp_fee_rate"`

	// 风控阈值
	SuspiciousTradeThreshold     int64 `gorm:"column:suspicious_trade_threshold"`      // 微单位
	CircuitBreakerThreshold      int64 `gorm:"column:circuit_breaker_threshold"`       // 微单位/小时
	MaxMarketVolatilityThreshold int64 `gorm:"column:max_market_volatility_threshold"` // bps

	// 交易限额 (微单位)
	MinTradeAmount     int64 `gorm:"column:min_trade_amount"`
	MaxTradeAmount     int64 `gorm:"column:max_trade_amount"`      // 单笔上限
	MaxUserMarketTotal int64 `gorm:"column:max_user_market_total"` // 单用户单市场累计上限，0 = 不限

	// 争议参数
	DisputeBond       int64 `gorm:"column:dispute_bond"`        // 微单位
	DisputeWindowSecs int64 `gorm:"column:dispute_window_secs"` // 默认 7200

	// 全局开关
	TradingPaused bool `gorm:"column:trading_paused"`

	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (Moodring) TableName() string { return "moodring" }

// DefaultMoodring 默认配置: 协议 2% / 创建者 1% / LP 2%
func DefaultMoodring() *Moodring {
	return &Moodring{
		ID:                           1,
		ProtocolFeeRate:              20_000,
		CreatorFeeRate:               10_000,
		LpFeeRate:                    20_000,
		SuspiciousTradeThreshold:     10_000_000_000,  // 10000 单位
		CircuitBreakerThreshold:      100_000_000_000, // 100000 单位/小时
		MaxMarketVolatilityThreshold: 1_000,           // 10%
		MinTradeAmount:               10_000,          // 0.01 单位
		MaxTradeAmount:               50_000_000_000,
		DisputeBond:                  100_000_000, // 100 单位
		DisputeWindowSecs:            7200,
		UpdatedAt:                    time.Now().UnixMilli(),
	}
}
