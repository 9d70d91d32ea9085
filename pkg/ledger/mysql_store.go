// 文件: pkg/ledger/mysql_store.go
// 账本存储 - MySQL/GORM 生产实现
//
// 加锁策略:
// - 悲观行锁 (SELECT ... FOR UPDATE)，同一选项上的冲突交易很常见，
//   乐观重试会饿死，行锁在提交/回滚时统一释放
// - MySQL 锁等待超时 (errno 1205) 映射为可重试的 ErrLockTimeout
//
// 守卫更新:
// - 余额/库存的增量更新把非负守卫写进 WHERE，影响行数为零即失败，
//   数据库是正确性的最终串行化点

package ledger

import (
	"context"
	"errors"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const mysqlErrLockWaitTimeout = 1205

type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// AutoMigrate 建表 (开发/测试环境用，生产走迁移脚本)
func (s *MySQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&Market{}, &Option{}, &Wallet{}, &UserPosition{}, &LpPosition{},
		&Trade{}, &SuspiciousTrade{}, &PricePoint{}, &Dispute{}, &Moodring{},
	)
}

// wrapErr 统一错误翻译
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) && me.Number == mysqlErrLockWaitTimeout {
		return ErrLockTimeout
	}
	return err
}

// =============================================================================
// 事务
// =============================================================================

func (s *MySQLStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return wrapErr(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&MySQLStore{db: tx})
	}))
}

// =============================================================================
// 生命周期
// =============================================================================

func (s *MySQLStore) CreateMarket(ctx context.Context, m *Market) error {
	return wrapErr(s.db.WithContext(ctx).Create(m).Error)
}

func (s *MySQLStore) AddOption(ctx context.Context, o *Option) error {
	return wrapErr(s.db.WithContext(ctx).Create(o).Error)
}

func (s *MySQLStore) CreateWallet(ctx context.Context, w *Wallet) error {
	return wrapErr(s.db.WithContext(ctx).Create(w).Error)
}

func (s *MySQLStore) CreditWallet(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidInput
	}
	result := s.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"balance_usdc": gorm.Expr("balance_usdc + ?", amount),
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return wrapErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// 加锁读
// =============================================================================

func (s *MySQLStore) GetMarketForUpdate(ctx context.Context, id string) (*Market, error) {
	var m Market
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &m, nil
}

func (s *MySQLStore) GetOptionForUpdate(ctx context.Context, id string) (*Option, error) {
	var o Option
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&o).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &o, nil
}

func (s *MySQLStore) GetWalletForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &w, nil
}

func (s *MySQLStore) GetPositionForUpdate(ctx context.Context, userID, optionID string) (*UserPosition, error) {
	var p UserPosition
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND option_id = ?", userID, optionID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

func (s *MySQLStore) GetLpPositionForUpdate(ctx context.Context, userID, marketID string) (*LpPosition, error) {
	var p LpPosition
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND market_id = ?", userID, marketID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

// =============================================================================
// 普通读
// =============================================================================

func (s *MySQLStore) GetMarket(ctx context.Context, id string) (*Market, error) {
	var m Market
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &m, nil
}

func (s *MySQLStore) GetOption(ctx context.Context, id string) (*Option, error) {
	var o Option
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &o, nil
}

func (s *MySQLStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &w, nil
}

func (s *MySQLStore) GetPosition(ctx context.Context, userID, optionID string) (*UserPosition, error) {
	var p UserPosition
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND option_id = ?", userID, optionID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

func (s *MySQLStore) ListOptions(ctx context.Context, marketID string) ([]*Option, error) {
	var options []*Option
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Order("created_at ASC").
		Find(&options).Error
	return options, wrapErr(err)
}

func (s *MySQLStore) ListPositionsByOption(ctx context.Context, optionID string) ([]*UserPosition, error) {
	var positions []*UserPosition
	err := s.db.WithContext(ctx).
		Where("option_id = ?", optionID).
		Find(&positions).Error
	return positions, wrapErr(err)
}

func (s *MySQLStore) Moodring(ctx context.Context) (*Moodring, error) {
	var m Moodring
	if err := s.db.WithContext(ctx).Where("id = 1").First(&m).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &m, nil
}

func (s *MySQLStore) SaveMoodring(ctx context.Context, m *Moodring) error {
	m.ID = 1
	m.UpdatedAt = time.Now().UnixMilli()
	return wrapErr(s.db.WithContext(ctx).Save(m).Error)
}

// =============================================================================
// 窄范围变更
// =============================================================================

func (s *MySQLStore) UpdateWalletBalance(ctx context.Context, userID string, delta int64) error {
	result := s.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ? AND balance_usdc + ? >= 0", userID, delta).
		Updates(map[string]any{
			"balance_usdc": gorm.Expr("balance_usdc + ?", delta),
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return wrapErr(result.Error)
	}
	if result.RowsAffected == 0 {
		// 引擎在锁内已做余额预检，走到这里说明守卫兜住了预检遗漏
		return ErrInsufficientBalance
	}
	return nil
}

func (s *MySQLStore) UpdateOptionQuantities(ctx context.Context, optionID string, dYes, dNo int64) error {
	result := s.db.WithContext(ctx).
		Model(&Option{}).
		Where("id = ? AND yes_quantity + ? >= 0 AND no_quantity + ? >= 0", optionID, dYes, dNo).
		Updates(map[string]any{
			"yes_quantity": gorm.Expr("yes_quantity + ?", dYes),
			"no_quantity":  gorm.Expr("no_quantity + ?", dNo),
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return wrapErr(result.Error)
	}
	if result.RowsAffected == 0 {
		// 库存守卫失败只可能是定价层 bug，引擎已在内核处拦截超卖
		return ErrInternal
	}
	return nil
}

func (s *MySQLStore) UpdateMarketStats(ctx context.Context, marketID string, d MarketStatsDelta) error {
	result := s.db.WithContext(ctx).
		Model(&Market{}).
		Where("id = ?", marketID).
		Updates(map[string]any{
			"shared_pool_liquidity":           gorm.Expr("GREATEST(0, shared_pool_liquidity + ?)", d.PoolDelta),
			"total_open_interest":             gorm.Expr("GREATEST(0, total_open_interest + ?)", d.OpenInterestDelta),
			"total_volume":                    gorm.Expr("total_volume + ?", d.VolumeDelta),
			"protocol_fees_collected":         gorm.Expr("protocol_fees_collected + ?", d.ProtocolFee),
			"creator_fees_collected":          gorm.Expr("creator_fees_collected + ?", d.CreatorFee),
			"lifetime_creator_fees_generated": gorm.Expr("lifetime_creator_fees_generated + ?", d.CreatorFee),
			"accumulated_lp_fees":             gorm.Expr("accumulated_lp_fees + ?", d.LpFee),
			"total_lp_shares":                 gorm.Expr("GREATEST(0, total_lp_shares + ?)", d.LpSharesDelta),
			"updated_at":                      time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return wrapErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLStore) SaveOption(ctx context.Context, o *Option) error {
	o.UpdatedAt = time.Now().UnixMilli()
	return wrapErr(s.db.WithContext(ctx).Save(o).Error)
}

func (s *MySQLStore) SaveMarket(ctx context.Context, m *Market) error {
	m.UpdatedAt = time.Now().UnixMilli()
	return wrapErr(s.db.WithContext(ctx).Save(m).Error)
}

func (s *MySQLStore) SaveUserPosition(ctx context.Context, p *UserPosition) error {
	p.UpdatedAt = time.Now().UnixMilli()
	return wrapErr(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "option_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"yes_shares", "no_shares",
				"total_yes_cost", "total_no_cost",
				"avg_yes_price", "avg_no_price",
				"realized_pnl", "is_claimed", "updated_at",
			}),
		}).
		Create(p).Error)
}

func (s *MySQLStore) SaveLpPosition(ctx context.Context, p *LpPosition) error {
	p.UpdatedAt = time.Now().UnixMilli()
	return wrapErr(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "market_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"shares", "deposited_amount",
				"current_value", "claimable_value", "updated_at",
			}),
		}).
		Create(p).Error)
}

// =============================================================================
// 只追加流水
// =============================================================================

func (s *MySQLStore) InsertTrade(ctx context.Context, t *Trade) error {
	return wrapErr(s.db.WithContext(ctx).Create(t).Error)
}

func (s *MySQLStore) InsertSuspiciousTrade(ctx context.Context, st *SuspiciousTrade) error {
	return wrapErr(s.db.WithContext(ctx).Create(st).Error)
}

func (s *MySQLStore) InsertPricePoint(ctx context.Context, p *PricePoint) error {
	return wrapErr(s.db.WithContext(ctx).Create(p).Error)
}

func (s *MySQLStore) InsertPricePoints(ctx context.Context, ps []*PricePoint) error {
	if len(ps) == 0 {
		return nil
	}
	return wrapErr(s.db.WithContext(ctx).CreateInBatches(ps, 100).Error)
}

func (s *MySQLStore) InsertDispute(ctx context.Context, d *Dispute) error {
	return wrapErr(s.db.WithContext(ctx).Create(d).Error)
}

func (s *MySQLStore) SaveDispute(ctx context.Context, d *Dispute) error {
	return wrapErr(s.db.WithContext(ctx).Save(d).Error)
}

func (s *MySQLStore) GetDisputeForUpdate(ctx context.Context, id string) (*Dispute, error) {
	var d Dispute
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&d).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &d, nil
}

func (s *MySQLStore) ListOpenDisputes(ctx context.Context, optionID string) ([]*Dispute, error) {
	var disputes []*Dispute
	err := s.db.WithContext(ctx).
		Where("option_id = ? AND status = ?", optionID, DisputeOpen).
		Order("created_at ASC").
		Find(&disputes).Error
	return disputes, wrapErr(err)
}

// =============================================================================
// 查询
// =============================================================================

func (s *MySQLStore) SumMarketVolumeSince(ctx context.Context, marketID string, since int64) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&Trade{}).
		Select("COALESCE(SUM(total_cost), 0)").
		Where("market_id = ? AND created_at >= ?", marketID, since).
		Scan(&total).Error
	return total, wrapErr(err)
}

func (s *MySQLStore) OutstandingRedeemable(ctx context.Context, marketID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(CASE WHEN o.winning_side = ? THEN p.yes_shares ELSE p.no_shares END), 0)
		FROM user_positions p
		JOIN market_options o ON p.option_id = o.id
		WHERE o.market_id = ? AND o.is_resolved = 1 AND p.is_claimed = 0`,
		SideYes, marketID).
		Scan(&total).Error
	return total, wrapErr(err)
}

func (s *MySQLStore) PriceHistory(ctx context.Context, optionID string, since int64) ([]*PricePoint, error) {
	var points []*PricePoint
	query := s.db.WithContext(ctx).Where("option_id = ?", optionID)
	if since > 0 {
		query = query.Where("timestamp >= ?", since)
	}
	err := query.Order("timestamp ASC").Find(&points).Error
	return points, wrapErr(err)
}

func (s *MySQLStore) LatestPricePointBefore(ctx context.Context, optionID string, at int64) (*PricePoint, error) {
	var p PricePoint
	err := s.db.WithContext(ctx).
		Where("option_id = ? AND timestamp <= ?", optionID, at).
		Order("timestamp DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

func (s *MySQLStore) ListExpiredUnresolved(ctx context.Context, now int64) ([]*Market, error) {
	var markets []*Market
	err := s.db.WithContext(ctx).
		Where("resolution_mode = ? AND is_initialized = 1 AND is_resolved = 0 AND expires_at <= ?",
			ResolutionOpinion, now).
		Find(&markets).Error
	return markets, wrapErr(err)
}

func (s *MySQLStore) ListExpiredDisputeWindows(ctx context.Context, now int64) ([]*Option, error) {
	var options []*Option
	err := s.db.WithContext(ctx).
		Where("status = ? AND dispute_deadline > 0 AND dispute_deadline <= ?",
			OptionAwaitingDispute, now).
		Find(&options).Error
	return options, wrapErr(err)
}
