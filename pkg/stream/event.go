// 文件: pkg/stream/event.go
// 实时事件模型
//
// 三条订阅流，分别按市场/选项/用户为主题:
//   market.{id}  价格、成交、结算、评论
//   option.{id}  价格、结算
//   user.{id}    持仓、余额、领取
//
// 每个事件都带发起操作的用户 ID (客户端自回声过滤的前提)
// 与雪花事件 ID (同主题内单调，订阅端按 (subject, id) 去重)。

package stream

import "pmx.com/pkg/ledger"

// EventType 事件类型
type EventType string

const (
	EventPriceUpdate    EventType = "price_update"
	EventTradeCreated   EventType = "trade_created"
	EventPositionUpdate EventType = "position_update"
	EventBalanceUpdate  EventType = "balance_update"
	EventResolved       EventType = "resolved"
	EventClaimSettled   EventType = "claim_settled"
	EventCommentUpdate  EventType = "comment_update"
)

// 主题构造
func MarketSubject(marketID string) string { return "market." + marketID }
func OptionSubject(optionID string) string { return "option." + optionID }
func UserSubject(userID string) string     { return "user." + userID }

// Event 信封。同一主题内事件全序且与提交顺序一致，跨主题不保证。
type Event struct {
	ID        int64     `json:"id"` // 雪花ID
	Type      EventType `json:"type"`
	Subject   string    `json:"subject"`
	UserID    string    `json:"user_id"` // 发起操作的用户
	MarketID  string    `json:"market_id,omitempty"`
	OptionID  string    `json:"option_id,omitempty"`
	Timestamp int64     `json:"timestamp"` // 毫秒
	Payload   any       `json:"payload"`
}

// =============================================================================
// 载荷
// =============================================================================

// PriceUpdate 每笔影响价格的买入/卖出/流动性变更/结算后发出
type PriceUpdate struct {
	OptionID    string `json:"option_id"`
	YesPrice    int64  `json:"yes_price"`
	NoPrice     int64  `json:"no_price"`
	YesQuantity int64  `json:"yes_quantity"`
	NoQuantity  int64  `json:"no_quantity"`
	Timestamp   int64  `json:"timestamp"`
}

// TradeCreated 每笔成交
type TradeCreated struct {
	TradeID   int64       `json:"trade_id"`
	MarketID  string      `json:"market_id"`
	OptionID  string      `json:"option_id"`
	UserID    string      `json:"user_id"`
	Side      ledger.Side `json:"side"`
	IsBuy     bool        `json:"is_buy"`
	Quantity  int64       `json:"quantity"`
	TotalCost int64       `json:"total_cost"`
	Timestamp int64       `json:"timestamp"`
}

// PositionUpdate 发往用户个人流
type PositionUpdate struct {
	UserID      string `json:"user_id"`
	OptionID    string `json:"option_id"`
	YesShares   int64  `json:"yes_shares"`
	NoShares    int64  `json:"no_shares"`
	RealizedPnl int64  `json:"realized_pnl"`
}

// BalanceUpdate 发往用户个人流
type BalanceUpdate struct {
	UserID      string `json:"user_id"`
	BalanceUSDC int64  `json:"balance_usdc"`
}

// Resolved 选项结算完成，领取解锁
type Resolved struct {
	OptionID    string      `json:"option_id"`
	WinningSide ledger.Side `json:"winning_side"`
	Timestamp   int64       `json:"timestamp"`
}

// ClaimSettled 一次领取完成，发往用户个人流
type ClaimSettled struct {
	UserID      string `json:"user_id"`
	OptionID    string `json:"option_id"`
	Payout      int64  `json:"payout"`
	RealizedPnl int64  `json:"realized_pnl"`
	Timestamp   int64  `json:"timestamp"`
}

// CommentAction 评论事件子类型
type CommentAction string

const (
	CommentCreated CommentAction = "created"
	CommentUpdated CommentAction = "updated"
	CommentDeleted CommentAction = "deleted"
	CommentVoted   CommentAction = "voted"
)

// CommentUpdate 评论子系统的全部变更
type CommentUpdate struct {
	MarketID  string        `json:"market_id"`
	CommentID string        `json:"comment_id"`
	Action    CommentAction `json:"action"`
	ParentID  string        `json:"parent_id,omitempty"`
	Upvotes   int64         `json:"upvotes,omitempty"`
	Downvotes int64         `json:"downvotes,omitempty"`
	Content   string        `json:"content,omitempty"`
}
