// 文件: pkg/audit/writer.go
// 价格历史写入器
//
// 消费 pm_price_points，批量落进 price_history:
// - 缓冲 + 批量/定时双触发刷盘提高吞吐
// - 单条损坏消息跳过不中断
// - 优雅关闭时最后刷一次

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"pmx.com/pkg/ledger"
)

// WriterConfig 写入器配置
type WriterConfig struct {
	Brokers       []string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig 默认配置
func DefaultWriterConfig(brokers []string) WriterConfig {
	return WriterConfig{
		Brokers:       brokers,
		GroupID:       "pm_price_writer",
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// WriterStats 写入统计
type WriterStats struct {
	ReceivedCount int64
	WrittenCount  int64
	ErrorCount    int64
	BatchCount    int64
}

// Writer 价格历史批量写入器
type Writer struct {
	store  ledger.Store
	client sarama.ConsumerGroup
	cfg    WriterConfig

	buffer   []*ledger.PricePoint
	bufferMu sync.Mutex
	flushCh  chan struct{}

	statsMu sync.Mutex
	stats   WriterStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter 创建写入器
func NewWriter(cfg WriterConfig, store ledger.Store) (*Writer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create price writer consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		store:   store,
		client:  client,
		cfg:     cfg,
		buffer:  make([]*ledger.PricePoint, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// =============================================================================
// 消息处理
// =============================================================================

// handleMessage 处理单条价格点消息
func (w *Writer) handleMessage(value []byte) error {
	var msg PricePointMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		w.addError()
		return fmt.Errorf("unmarshal price point: %w", err)
	}

	w.statsMu.Lock()
	w.stats.ReceivedCount++
	w.statsMu.Unlock()

	w.bufferMu.Lock()
	w.buffer = append(w.buffer, msg.ToRecord())
	shouldFlush := len(w.buffer) >= w.cfg.BatchSize
	w.bufferMu.Unlock()

	if shouldFlush {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// flush 刷缓冲入库
func (w *Writer) flush() {
	w.bufferMu.Lock()
	points := w.buffer
	w.buffer = make([]*ledger.PricePoint, 0, w.cfg.BatchSize)
	w.bufferMu.Unlock()

	if len(points) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.InsertPricePoints(ctx, points); err != nil {
		w.addError()
		log.Printf("[Audit] price batch insert failed: n=%d err=%v", len(points), err)
		return
	}

	w.statsMu.Lock()
	w.stats.WrittenCount += int64(len(points))
	w.stats.BatchCount++
	w.statsMu.Unlock()
}

func (w *Writer) addError() {
	w.statsMu.Lock()
	w.stats.ErrorCount++
	w.statsMu.Unlock()
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动消费与定时刷盘
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			handler := &writerGroupHandler{w: w}
			if err := w.client.Consume(w.ctx, []string{TopicPricePoints}, handler); err != nil {
				log.Printf("[Audit] consume error: %v", err)
			}
			if w.ctx.Err() != nil {
				return
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				w.flush()
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushCh:
				w.flush()
			}
		}
	}()
}

// Stop 停止写入器
func (w *Writer) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.client.Close()
}

// Stats 获取统计
func (w *Writer) Stats() WriterStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// =============================================================================
// sarama ConsumerGroupHandler
// =============================================================================

type writerGroupHandler struct {
	w *Writer
}

func (h *writerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *writerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *writerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.w.handleMessage(msg.Value); err != nil {
			log.Printf("[Audit] handle message failed: offset=%d err=%v", msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
