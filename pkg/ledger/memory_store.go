// 文件: pkg/ledger/memory_store.go
// 账本存储 - 内存实现
//
// 引擎测试与仿真入口用。单把互斥锁串行化全部访问，
// Transaction 在状态深拷贝上执行，成功才换入主状态，
// 失败整体丢弃 —— 与 MySQL 实现一样保证事务内错误不留半提交。

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memState struct {
	markets     map[string]*Market
	options     map[string]*Option
	wallets     map[string]*Wallet // key: userID
	positions   map[string]*UserPosition
	lpPositions map[string]*LpPosition
	disputes    map[string]*Dispute
	trades      []*Trade
	suspicious  []*SuspiciousTrade
	pricePoints []*PricePoint
	moodring    *Moodring
	nextRowID   uint
}

func newMemState() *memState {
	return &memState{
		markets:     make(map[string]*Market),
		options:     make(map[string]*Option),
		wallets:     make(map[string]*Wallet),
		positions:   make(map[string]*UserPosition),
		lpPositions: make(map[string]*LpPosition),
		disputes:    make(map[string]*Dispute),
		moodring:    DefaultMoodring(),
		nextRowID:   1,
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneMap[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		out[k] = clonePtr(v)
	}
	return out
}

func cloneSlice[T any](s []*T) []*T {
	out := make([]*T, len(s))
	for i, v := range s {
		out[i] = clonePtr(v)
	}
	return out
}

func (st *memState) clone() *memState {
	return &memState{
		markets:     cloneMap(st.markets),
		options:     cloneMap(st.options),
		wallets:     cloneMap(st.wallets),
		positions:   cloneMap(st.positions),
		lpPositions: cloneMap(st.lpPositions),
		disputes:    cloneMap(st.disputes),
		trades:      cloneSlice(st.trades),
		suspicious:  cloneSlice(st.suspicious),
		pricePoints: cloneSlice(st.pricePoints),
		moodring:    clonePtr(st.moodring),
		nextRowID:   st.nextRowID,
	}
}

func posKey(userID, optionID string) string { return userID + "|" + optionID }
func lpKey(userID, marketID string) string  { return userID + "|" + marketID }

// MemoryStore 内存账本
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	inTx  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) lock() {
	if !s.inTx {
		s.mu.Lock()
	}
}

func (s *MemoryStore) unlock() {
	if !s.inTx {
		s.mu.Unlock()
	}
}

// =============================================================================
// 事务
// =============================================================================

func (s *MemoryStore) Transaction(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		// 嵌套事务并入外层
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &MemoryStore{state: s.state.clone(), inTx: true}
	if err := fn(staged); err != nil {
		return err
	}
	s.state = staged.state
	return nil
}

// =============================================================================
// 生命周期
// =============================================================================

func (s *MemoryStore) CreateMarket(_ context.Context, m *Market) error {
	s.lock()
	defer s.unlock()
	s.state.markets[m.ID] = clonePtr(m)
	return nil
}

func (s *MemoryStore) AddOption(_ context.Context, o *Option) error {
	s.lock()
	defer s.unlock()
	s.state.options[o.ID] = clonePtr(o)
	return nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *Wallet) error {
	s.lock()
	defer s.unlock()
	s.state.wallets[w.UserID] = clonePtr(w)
	return nil
}

func (s *MemoryStore) CreditWallet(_ context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidInput
	}
	s.lock()
	defer s.unlock()
	w, ok := s.state.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	w.BalanceUSDC += amount
	w.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// =============================================================================
// 读 (内存实现里加锁读与普通读同义，大锁即串行化点)
// =============================================================================

func (s *MemoryStore) GetMarketForUpdate(ctx context.Context, id string) (*Market, error) {
	return s.GetMarket(ctx, id)
}

func (s *MemoryStore) GetOptionForUpdate(ctx context.Context, id string) (*Option, error) {
	return s.GetOption(ctx, id)
}

func (s *MemoryStore) GetWalletForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	return s.GetWallet(ctx, userID)
}

func (s *MemoryStore) GetPositionForUpdate(ctx context.Context, userID, optionID string) (*UserPosition, error) {
	return s.GetPosition(ctx, userID, optionID)
}

func (s *MemoryStore) GetLpPositionForUpdate(_ context.Context, userID, marketID string) (*LpPosition, error) {
	s.lock()
	defer s.unlock()
	return clonePtr(s.state.lpPositions[lpKey(userID, marketID)]), nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*Market, error) {
	s.lock()
	defer s.unlock()
	m, ok := s.state.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePtr(m), nil
}

func (s *MemoryStore) GetOption(_ context.Context, id string) (*Option, error) {
	s.lock()
	defer s.unlock()
	o, ok := s.state.options[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePtr(o), nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	s.lock()
	defer s.unlock()
	w, ok := s.state.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePtr(w), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, optionID string) (*UserPosition, error) {
	s.lock()
	defer s.unlock()
	return clonePtr(s.state.positions[posKey(userID, optionID)]), nil
}

func (s *MemoryStore) ListOptions(_ context.Context, marketID string) ([]*Option, error) {
	s.lock()
	defer s.unlock()
	var out []*Option
	for _, o := range s.state.options {
		if o.MarketID == marketID {
			out = append(out, clonePtr(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) ListPositionsByOption(_ context.Context, optionID string) ([]*UserPosition, error) {
	s.lock()
	defer s.unlock()
	var out []*UserPosition
	for _, p := range s.state.positions {
		if p.OptionID == optionID {
			out = append(out, clonePtr(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) Moodring(_ context.Context) (*Moodring, error) {
	s.lock()
	defer s.unlock()
	return clonePtr(s.state.moodring), nil
}

func (s *MemoryStore) SaveMoodring(_ context.Context, m *Moodring) error {
	s.lock()
	defer s.unlock()
	m.ID = 1
	m.UpdatedAt = time.Now().UnixMilli()
	s.state.moodring = clonePtr(m)
	return nil
}

// =============================================================================
// 窄范围变更
// =============================================================================

func (s *MemoryStore) UpdateWalletBalance(_ context.Context, userID string, delta int64) error {
	s.lock()
	defer s.unlock()
	w, ok := s.state.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	if w.BalanceUSDC+delta < 0 {
		return ErrInsufficientBalance
	}
	w.BalanceUSDC += delta
	w.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (s *MemoryStore) UpdateOptionQuantities(_ context.Context, optionID string, dYes, dNo int64) error {
	s.lock()
	defer s.unlock()
	o, ok := s.state.options[optionID]
	if !ok {
		return ErrNotFound
	}
	if o.YesQuantity+dYes < 0 || o.NoQuantity+dNo < 0 {
		return ErrInternal
	}
	o.YesQuantity += dYes
	o.NoQuantity += dNo
	o.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func max0(x int64) int64 {
	if x < 0 {
		return 0
	}
	return x
}

func (s *MemoryStore) UpdateMarketStats(_ context.Context, marketID string, d MarketStatsDelta) error {
	s.lock()
	defer s.unlock()
	m, ok := s.state.markets[marketID]
	if !ok {
		return ErrNotFound
	}
	m.SharedPoolLiquidity = max0(m.SharedPoolLiquidity + d.PoolDelta)
	m.TotalOpenInterest = max0(m.TotalOpenInterest + d.OpenInterestDelta)
	m.TotalVolume += d.VolumeDelta
	m.ProtocolFeesCollected += d.ProtocolFee
	m.CreatorFeesCollected += d.CreatorFee
	m.LifetimeCreatorFeesGenerated += d.CreatorFee
	m.AccumulatedLpFees += d.LpFee
	m.TotalLpShares = max0(m.TotalLpShares + d.LpSharesDelta)
	m.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (s *MemoryStore) SaveOption(_ context.Context, o *Option) error {
	s.lock()
	defer s.unlock()
	o.UpdatedAt = time.Now().UnixMilli()
	s.state.options[o.ID] = clonePtr(o)
	return nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *Market) error {
	s.lock()
	defer s.unlock()
	m.UpdatedAt = time.Now().UnixMilli()
	s.state.markets[m.ID] = clonePtr(m)
	return nil
}

func (s *MemoryStore) SaveUserPosition(_ context.Context, p *UserPosition) error {
	s.lock()
	defer s.unlock()
	p.UpdatedAt = time.Now().UnixMilli()
	s.state.positions[posKey(p.UserID, p.OptionID)] = clonePtr(p)
	return nil
}

func (s *MemoryStore) SaveLpPosition(_ context.Context, p *LpPosition) error {
	s.lock()
	defer s.unlock()
	p.UpdatedAt = time.Now().UnixMilli()
	s.state.lpPositions[lpKey(p.UserID, p.MarketID)] = clonePtr(p)
	return nil
}

// =============================================================================
// 只追加流水
// =============================================================================

func (s *MemoryStore) InsertTrade(_ context.Context, t *Trade) error {
	s.lock()
	defer s.unlock()
	c := clonePtr(t)
	c.ID = s.state.nextRowID
	s.state.nextRowID++
	s.state.trades = append(s.state.trades, c)
	return nil
}

func (s *MemoryStore) InsertSuspiciousTrade(_ context.Context, st *SuspiciousTrade) error {
	s.lock()
	defer s.unlock()
	c := clonePtr(st)
	c.ID = s.state.nextRowID
	s.state.nextRowID++
	s.state.suspicious = append(s.state.suspicious, c)
	return nil
}

func (s *MemoryStore) InsertPricePoint(_ context.Context, p *PricePoint) error {
	s.lock()
	defer s.unlock()
	c := clonePtr(p)
	c.ID = s.state.nextRowID
	s.state.nextRowID++
	s.state.pricePoints = append(s.state.pricePoints, c)
	return nil
}

func (s *MemoryStore) InsertPricePoints(ctx context.Context, ps []*PricePoint) error {
	for _, p := range ps {
		if err := s.InsertPricePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) InsertDispute(_ context.Context, d *Dispute) error {
	s.lock()
	defer s.unlock()
	s.state.disputes[d.ID] = clonePtr(d)
	return nil
}

func (s *MemoryStore) SaveDispute(_ context.Context, d *Dispute) error {
	s.lock()
	defer s.unlock()
	s.state.disputes[d.ID] = clonePtr(d)
	return nil
}

func (s *MemoryStore) GetDisputeForUpdate(_ context.Context, id string) (*Dispute, error) {
	s.lock()
	defer s.unlock()
	d, ok := s.state.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePtr(d), nil
}

func (s *MemoryStore) ListOpenDisputes(_ context.Context, optionID string) ([]*Dispute, error) {
	s.lock()
	defer s.unlock()
	var out []*Dispute
	for _, d := range s.state.disputes {
		if d.OptionID == optionID && d.Status == DisputeOpen {
			out = append(out, clonePtr(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// =============================================================================
// 查询
// =============================================================================

func (s *MemoryStore) SumMarketVolumeSince(_ context.Context, marketID string, since int64) (int64, error) {
	s.lock()
	defer s.unlock()
	var total int64
	for _, t := range s.state.trades {
		if t.MarketID == marketID && t.CreatedAt >= since {
			total += t.TotalCost
		}
	}
	return total, nil
}

func (s *MemoryStore) OutstandingRedeemable(_ context.Context, marketID string) (int64, error) {
	s.lock()
	defer s.unlock()
	var total int64
	for _, p := range s.state.positions {
		if p.IsClaimed {
			continue
		}
		o, ok := s.state.options[p.OptionID]
		if !ok || o.MarketID != marketID || !o.IsResolved {
			continue
		}
		if o.WinningSide == SideYes {
			total += p.YesShares
		} else if o.WinningSide == SideNo {
			total += p.NoShares
		}
	}
	return total, nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, optionID string, since int64) ([]*PricePoint, error) {
	s.lock()
	defer s.unlock()
	var out []*PricePoint
	for _, p := range s.state.pricePoints {
		if p.OptionID == optionID && p.Timestamp >= since {
			out = append(out, clonePtr(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) LatestPricePointBefore(_ context.Context, optionID string, at int64) (*PricePoint, error) {
	s.lock()
	defer s.unlock()
	var best *PricePoint
	for _, p := range s.state.pricePoints {
		if p.OptionID != optionID || p.Timestamp > at {
			continue
		}
		if best == nil || p.Timestamp > best.Timestamp {
			best = p
		}
	}
	return clonePtr(best), nil
}

func (s *MemoryStore) ListExpiredUnresolved(_ context.Context, now int64) ([]*Market, error) {
	s.lock()
	defer s.unlock()
	var out []*Market
	for _, m := range s.state.markets {
		if m.ResolutionMode == ResolutionOpinion && m.IsInitialized && !m.IsResolved && m.ExpiresAt <= now {
			out = append(out, clonePtr(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExpiredDisputeWindows(_ context.Context, now int64) ([]*Option, error) {
	s.lock()
	defer s.unlock()
	var out []*Option
	for _, o := range s.state.options {
		if o.Status == OptionAwaitingDispute && o.DisputeDeadline > 0 && o.DisputeDeadline <= now {
			out = append(out, clonePtr(o))
		}
	}
	return out, nil
}
