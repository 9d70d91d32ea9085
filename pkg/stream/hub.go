// 文件: pkg/stream/hub.go
// 事件枢纽 (扇出)
//
// ========== 扇出图解 ==========
//
//	交易引擎 / 结算器 / 评论服务 (生产者，提交后调用 Publish)
//	                 |
//	                 v
//	              [ Hub ]
//	            /    |    \
//	           v     v     v
//	      订阅者1  订阅者2  NATS 桥
//
// 关键特性:
// 1. Publish 是提交后的热路径，绝不阻塞: 订阅者缓冲满 →
//    踢掉该订阅者并发重连信号，而不是等它
// 2. 同主题事件按 Publish 顺序 (即提交顺序) 送达
// 3. 订阅/退订并发安全

package stream

import (
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// 订阅者缓冲: 满了说明消费端跟不上，踢掉让它重连后重读快照
const defaultSubscriberBuffer = 256

// Filter 订阅过滤器，三种流各取一个维度；All 给桥接器用
type Filter struct {
	All       bool
	MarketID  string
	OptionIDs []string
	UserID    string
}

// Matches 事件是否命中过滤器
func (f Filter) Matches(e Event) bool {
	if f.All {
		return true
	}
	if f.MarketID != "" && e.MarketID == f.MarketID {
		return true
	}
	if f.UserID != "" && e.Subject == UserSubject(f.UserID) {
		return true
	}
	for _, id := range f.OptionIDs {
		if e.OptionID == id {
			return true
		}
	}
	return false
}

// Subscription 一个订阅者
//
// C 关闭有两种情况: 主动 Unsubscribe，或缓冲溢出被踢。
// 被踢时 Dropped 先收到信号，客户端应重连并重读快照补齐缺口
// (断线期间的事件不重放)。
type Subscription struct {
	C       <-chan Event
	Dropped <-chan struct{}

	id      int64
	filter  Filter
	ch      chan Event
	dropped chan struct{}
	once    sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.dropped)
		close(s.ch)
	})
}

// Hub 事件枢纽
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	node   *snowflake.Node
	closed bool
}

// NewHub 创建枢纽。nodeID 入雪花 ID 的机器位。
func NewHub(nodeID int64) (*Hub, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Hub{
		subs: make(map[int64]*Subscription),
		node: node,
	}, nil
}

// Subscribe 按过滤器订阅
func (h *Hub) Subscribe(f Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:      h.nextID,
		filter:  f,
		ch:      make(chan Event, defaultSubscriberBuffer),
		dropped: make(chan struct{}),
	}
	sub.C = sub.ch
	sub.Dropped = sub.dropped
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe 退订
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.close()
}

// Publish 投递一个事件 (提交后调用)
//
// 写锁而非读锁: 同主题全序要求投递互斥，Publish 顺序
// 就是订阅者看到的顺序。溢出的订阅者被摘除，稍后统一关闭。
func (h *Hub) Publish(e Event) {
	if e.ID == 0 {
		e.ID = h.node.Generate().Int64()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	var evicted []*Subscription

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for id, sub := range h.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// 缓冲溢出: 踢掉慢订阅者，绝不阻塞提交路径
			delete(h.subs, id)
			evicted = append(evicted, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range evicted {
		log.Printf("[Stream] subscriber %d evicted: buffer overflow, subject=%s", sub.id, e.Subject)
		sub.close()
	}
}

// Close 关闭枢纽与全部订阅者
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[int64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// EventID 生成一个事件 ID (桥接外部来源时用)
func (h *Hub) EventID() int64 {
	return h.node.Generate().Int64()
}
