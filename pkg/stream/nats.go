// 文件: pkg/stream/nats.go
// NATS 发布/订阅封装与枢纽桥接器
//
// Hub 负责进程内扇出，Bridge 把同一份事件镜像到 NATS，
// 跨进程的订阅端 (网关、图表服务) 直接订主题:
//   market.{id} / option.{id} / user.{id}
// 通配订阅 market.*、user.* 也可用。发布失败只记日志:
// 交易已提交，事件流是尽力投递，丢了靠客户端重读快照兜底。

package stream

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// =============================================================================
// Publisher
// =============================================================================

// Publisher NATS 发布者
type Publisher struct {
	conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Publish 按事件主题发布 JSON 事件
func (p *Publisher) Publish(e Event) error {
	bytes, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(e.Subject, bytes)
}

func (p *Publisher) Close() {
	p.conn.Close()
}

// =============================================================================
// Subscriber
// =============================================================================

// EventHandler 事件处理函数
type EventHandler func(e Event) error

// Subscriber NATS 订阅者，反序列化后回调
type Subscriber struct {
	conn    *nats.Conn
	subs    []*nats.Subscription
	handler EventHandler
}

func NewSubscriber(url string, handler EventHandler) (*Subscriber, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Subscriber{conn: conn, handler: handler}, nil
}

// Subscribe 订阅主题 (支持通配，如 market.*)
func (s *Subscriber) Subscribe(subjects ...string) error {
	for _, subject := range subjects {
		sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
			var e Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				log.Printf("[Stream] unmarshal event failed: subject=%s err=%v", msg.Subject, err)
				return
			}
			if err := s.handler(e); err != nil {
				log.Printf("[Stream] handle event failed: subject=%s err=%v", msg.Subject, err)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Subscriber) Close() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.conn.Close()
	return nil
}

// =============================================================================
// Bridge
// =============================================================================

// Bridge 把枢纽的全部事件镜像到 NATS
type Bridge struct {
	hub  *Hub
	pub  *Publisher
	sub  *Subscription
	done chan struct{}
}

// NewBridge 创建并启动桥接
func NewBridge(hub *Hub, pub *Publisher) *Bridge {
	b := &Bridge{
		hub:  hub,
		pub:  pub,
		sub:  hub.Subscribe(Filter{All: true}),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bridge) run() {
	defer close(b.done)
	for e := range b.sub.C {
		if err := b.pub.Publish(e); err != nil {
			log.Printf("[Stream] bridge publish failed: subject=%s id=%d err=%v", e.Subject, e.ID, err)
		}
	}
}

// Stop 停止桥接并等待排空
func (b *Bridge) Stop() {
	b.hub.Unsubscribe(b.sub)
	<-b.done
}
