// 文件: pkg/ledger/cached_store.go
// 账本存储 - Redis 缓存装饰器
//
// 【设计模式】装饰器模式: 包装底层 Store，透明添加缓存能力，
// 调用方只看到 Store 接口。
//
// 【缓存策略】
// - moodring 配置: 短 TTL 缓存 (每笔交易都要读)，写后删除
// - 选项最新价: InsertPricePoint 写穿，读走 LatestPrice 便捷方法
// - 事务: 直接透传底层，事务内的读写不经过缓存

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*CachedStore)(nil)

const (
	cacheKeyMoodring    = "pm:moodring"
	cacheKeyLatestPrice = "pm:price:latest:%s" // pm:price:latest:{optionID}
	cacheKeyOption      = "pm:option:%s"

	moodringTTL = 5 * time.Second
	priceTTL    = time.Minute
	optionTTL   = 10 * time.Second
)

// CachedStore Redis 缓存装饰器
type CachedStore struct {
	Store
	redis *redis.Client
}

// NewCachedStore 包装底层存储
//
// 用法:
//
//	store := NewMySQLStore(db)
//	cached := NewCachedStore(store, redisClient)
//	engine := trade.NewEngine(cached, ...)
func NewCachedStore(inner Store, rds *redis.Client) *CachedStore {
	return &CachedStore{Store: inner, redis: rds}
}

// Transaction 事务直接透传底层，fn 绑定底层事务 Store
func (c *CachedStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return c.Store.Transaction(ctx, fn)
}

// =============================================================================
// moodring 配置缓存
// =============================================================================

func (c *CachedStore) Moodring(ctx context.Context) (*Moodring, error) {
	data, err := c.redis.Get(ctx, cacheKeyMoodring).Bytes()
	if err == nil {
		var m Moodring
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := c.Store.Moodring(ctx)
	if err != nil {
		return nil, err
	}

	go c.setCache(context.Background(), cacheKeyMoodring, m, moodringTTL)
	return m, nil
}

func (c *CachedStore) SaveMoodring(ctx context.Context, m *Moodring) error {
	if err := c.Store.SaveMoodring(ctx, m); err != nil {
		return err
	}
	c.redis.Del(ctx, cacheKeyMoodring)
	return nil
}

// =============================================================================
// 选项缓存
// =============================================================================

func (c *CachedStore) GetOption(ctx context.Context, id string) (*Option, error) {
	key := fmt.Sprintf(cacheKeyOption, id)

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var o Option
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := c.Store.GetOption(ctx, id)
	if err != nil {
		return nil, err
	}

	go c.setCache(context.Background(), key, o, optionTTL)
	return o, nil
}

func (c *CachedStore) SaveOption(ctx context.Context, o *Option) error {
	if err := c.Store.SaveOption(ctx, o); err != nil {
		return err
	}
	c.redis.Del(ctx, fmt.Sprintf(cacheKeyOption, o.ID))
	return nil
}

func (c *CachedStore) UpdateOptionQuantities(ctx context.Context, optionID string, dYes, dNo int64) error {
	if err := c.Store.UpdateOptionQuantities(ctx, optionID, dYes, dNo); err != nil {
		return err
	}
	c.redis.Del(ctx, fmt.Sprintf(cacheKeyOption, optionID))
	return nil
}

// =============================================================================
// 最新价写穿
// =============================================================================

func (c *CachedStore) InsertPricePoint(ctx context.Context, p *PricePoint) error {
	if err := c.Store.InsertPricePoint(ctx, p); err != nil {
		return err
	}
	go c.setCache(context.Background(), fmt.Sprintf(cacheKeyLatestPrice, p.OptionID), p, priceTTL)
	return nil
}

// LatestPrice 选项最新价格点，缓存未命中回落到价格历史
func (c *CachedStore) LatestPrice(ctx context.Context, optionID string) (*PricePoint, error) {
	key := fmt.Sprintf(cacheKeyLatestPrice, optionID)

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var p PricePoint
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := c.Store.LatestPricePointBefore(ctx, optionID, time.Now().UnixMilli())
	if err != nil || p == nil {
		return p, err
	}

	go c.setCache(context.Background(), key, p, priceTTL)
	return p, nil
}

// =============================================================================
// 缓存操作
// =============================================================================

func (c *CachedStore) setCache(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, ttl)
}
