// 文件: pkg/ledger/store.go
// 账本存储接口
//
// 核心职责:
// 1. 规范化锁序: market → option → wallet → position，
//    所有加锁读按此顺序调用，杜绝任意两条交易路径之间的死锁
// 2. 窄范围变更: 余额/库存/统计各自独立方法，守卫条件内嵌在 SQL 里
// 3. Transaction: 事务内的一切错误整体回滚，交易引擎从不半提交
//
// 实现:
// - MySQLStore: 生产实现，FOR UPDATE 行锁，锁超时映射为可重试的 ErrLockTimeout
// - MemoryStore: 互斥锁串行化的内存实现，引擎测试与仿真入口用
// - CachedStore: Redis 缓存装饰器 (moodring 配置 + 最新价)

package ledger

import "context"

// MarketStatsDelta 一笔交易对市场行的全部统计增量
//
// 池与未平仓量按 GREATEST(0, x + Δ) 饱和更新，两者永不为负。
type MarketStatsDelta struct {
	VolumeDelta       int64
	OpenInterestDelta int64
	PoolDelta         int64
	ProtocolFee       int64
	CreatorFee        int64
	LpFee             int64
	LpSharesDelta     int64
}

type Store interface {
	// Transaction 在单个数据库事务内执行 fn，fn 收到的 Store 绑定该事务
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// =========================================================================
	// 生命周期
	// =========================================================================

	CreateMarket(ctx context.Context, m *Market) error
	AddOption(ctx context.Context, o *Option) error
	CreateWallet(ctx context.Context, w *Wallet) error
	// CreditWallet 充值入口 (外部支付轨道的回调挂载点)
	CreditWallet(ctx context.Context, userID string, amount int64) error

	// =========================================================================
	// 加锁读 (规范化锁序: market → option → wallet → position)
	// =========================================================================

	GetMarketForUpdate(ctx context.Context, id string) (*Market, error)
	GetOptionForUpdate(ctx context.Context, id string) (*Option, error)
	GetWalletForUpdate(ctx context.Context, userID string) (*Wallet, error)
	// GetPositionForUpdate 无持仓返回 (nil, nil)
	GetPositionForUpdate(ctx context.Context, userID, optionID string) (*UserPosition, error)
	// GetLpPositionForUpdate 无持仓返回 (nil, nil)
	GetLpPositionForUpdate(ctx context.Context, userID, marketID string) (*LpPosition, error)

	// =========================================================================
	// 普通读
	// =========================================================================

	GetMarket(ctx context.Context, id string) (*Market, error)
	GetOption(ctx context.Context, id string) (*Option, error)
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetPosition(ctx context.Context, userID, optionID string) (*UserPosition, error)
	ListOptions(ctx context.Context, marketID string) ([]*Option, error)
	ListPositionsByOption(ctx context.Context, optionID string) ([]*UserPosition, error)

	Moodring(ctx context.Context) (*Moodring, error)
	SaveMoodring(ctx context.Context, m *Moodring) error

	// =========================================================================
	// 窄范围变更 (均要求调用方已按锁序持有对应行锁)
	// =========================================================================

	// UpdateWalletBalance 余额增量更新，守卫 balance + Δ >= 0
	UpdateWalletBalance(ctx context.Context, userID string, delta int64) error
	// UpdateOptionQuantities 库存增量更新，守卫两侧非负
	UpdateOptionQuantities(ctx context.Context, optionID string, dYes, dNo int64) error
	UpdateMarketStats(ctx context.Context, marketID string, d MarketStatsDelta) error
	// SaveOption 整行保存 (结算状态机转换用)
	SaveOption(ctx context.Context, o *Option) error
	SaveMarket(ctx context.Context, m *Market) error
	// SaveUserPosition 整行 upsert ((user, option) 唯一键)
	SaveUserPosition(ctx context.Context, p *UserPosition) error
	SaveLpPosition(ctx context.Context, p *LpPosition) error

	// =========================================================================
	// 只追加流水
	// =========================================================================

	InsertTrade(ctx context.Context, t *Trade) error
	InsertSuspiciousTrade(ctx context.Context, s *SuspiciousTrade) error
	InsertPricePoint(ctx context.Context, p *PricePoint) error
	InsertPricePoints(ctx context.Context, ps []*PricePoint) error
	InsertDispute(ctx context.Context, d *Dispute) error
	SaveDispute(ctx context.Context, d *Dispute) error
	GetDisputeForUpdate(ctx context.Context, id string) (*Dispute, error)
	ListOpenDisputes(ctx context.Context, optionID string) ([]*Dispute, error)

	// =========================================================================
	// 查询
	// =========================================================================

	// SumMarketVolumeSince 熔断器用: 市场自 since (毫秒) 起的成交额合计
	SumMarketVolumeSince(ctx context.Context, marketID string, since int64) (int64, error)
	// OutstandingRedeemable 未领取的获胜侧份额合计 (LP 提取的扣减项)
	OutstandingRedeemable(ctx context.Context, marketID string) (int64, error)
	// PriceHistory 选项价格历史，since = 0 表示全量
	PriceHistory(ctx context.Context, optionID string, since int64) ([]*PricePoint, error)
	// LatestPricePointBefore OPINION 结算的确定性价格快照:
	// at (毫秒) 之前最近的一条价格点，没有则返回 (nil, nil)
	LatestPricePointBefore(ctx context.Context, optionID string, at int64) (*PricePoint, error)
	// ListExpiredUnresolved 已过期未结算的 OPINION 市场 (清扫器用)
	ListExpiredUnresolved(ctx context.Context, now int64) ([]*Market, error)
	// ListExpiredDisputeWindows 争议窗口已过期的待结算选项 (清扫器用)
	ListExpiredDisputeWindows(ctx context.Context, now int64) ([]*Option, error)
}
