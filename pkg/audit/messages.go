// 文件: pkg/audit/messages.go
// 审计消息定义
//
// 三个 topic，全部只追加:
//   pm_trades            成交镜像 (key = market_id，同市场有序)
//   pm_price_points      价格点 (key = option_id，同选项有序)
//   pm_suspicious_trades 风控可疑成交 (key = user_id)

package audit

import (
	"encoding/json"

	"pmx.com/pkg/ledger"
)

const (
	TopicTrades           = "pm_trades"
	TopicPricePoints      = "pm_price_points"
	TopicSuspiciousTrades = "pm_suspicious_trades"
)

// Message 可发布消息
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key (相同 key 保证顺序)
	Value() ([]byte, error) // 序列化消息体
}

// =============================================================================
// TradeMessage
// =============================================================================

type TradeMessage struct {
	TradeID   int64       `json:"trade_id"`
	UserID    string      `json:"user_id"`
	MarketID  string      `json:"market_id"`
	OptionID  string      `json:"option_id"`
	Side      ledger.Side `json:"side"`
	IsBuy     bool        `json:"is_buy"`
	Quantity  int64       `json:"quantity"`
	RawAmount int64       `json:"raw_amount"`
	TotalCost int64       `json:"total_cost"`
	TotalFee  int64       `json:"total_fee"`
	Timestamp int64       `json:"timestamp"`
}

func (m *TradeMessage) Topic() string          { return TopicTrades }
func (m *TradeMessage) Key() string            { return m.MarketID }
func (m *TradeMessage) Value() ([]byte, error) { return json.Marshal(m) }

// NewTradeMessage 从成交流水构造
func NewTradeMessage(t *ledger.Trade) *TradeMessage {
	return &TradeMessage{
		TradeID:   t.TradeID,
		UserID:    t.UserID,
		MarketID:  t.MarketID,
		OptionID:  t.OptionID,
		Side:      t.Side,
		IsBuy:     t.IsBuy,
		Quantity:  t.Quantity,
		RawAmount: t.RawAmount,
		TotalCost: t.TotalCost,
		TotalFee:  t.TotalFee,
		Timestamp: t.CreatedAt,
	}
}

// =============================================================================
// PricePointMessage
// =============================================================================

type PricePointMessage struct {
	OptionID    string `json:"option_id"`
	YesPrice    int64  `json:"yes_price"`
	NoPrice     int64  `json:"no_price"`
	YesQuantity int64  `json:"yes_quantity"`
	NoQuantity  int64  `json:"no_quantity"`
	Timestamp   int64  `json:"timestamp"`
}

func (m *PricePointMessage) Topic() string          { return TopicPricePoints }
func (m *PricePointMessage) Key() string            { return m.OptionID }
func (m *PricePointMessage) Value() ([]byte, error) { return json.Marshal(m) }

// ToRecord 转为价格历史行
func (m *PricePointMessage) ToRecord() *ledger.PricePoint {
	return &ledger.PricePoint{
		OptionID:    m.OptionID,
		YesPrice:    m.YesPrice,
		NoPrice:     m.NoPrice,
		YesQuantity: m.YesQuantity,
		NoQuantity:  m.NoQuantity,
		Timestamp:   m.Timestamp,
	}
}

// =============================================================================
// SuspiciousTradeMessage
// =============================================================================

type SuspiciousTradeMessage struct {
	TradeID         int64  `json:"trade_id"`
	UserID          string `json:"user_id"`
	MarketID        string `json:"market_id"`
	OptionID        string `json:"option_id"`
	Amount          int64  `json:"amount"`
	DetectionReason string `json:"detection_reason"`
	RiskScore       int    `json:"risk_score"`
	Timestamp       int64  `json:"timestamp"`
}

func (m *SuspiciousTradeMessage) Topic() string          { return TopicSuspiciousTrades }
func (m *SuspiciousTradeMessage) Key() string            { return m.UserID }
func (m *SuspiciousTradeMessage) Value() ([]byte, error) { return json.Marshal(m) }
