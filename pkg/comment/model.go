// 文件: pkg/comment/model.go
// 评论模型
//
// 单层讨论树: 顶层评论挂市场，回复挂顶层评论，回复不可再被回复。
// 顶层行上冗余 reply_count，列表页免 JOIN。
// 投票 (user, comment) 唯一，换边一次更新翻两个计数。

package comment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("comment: not found")
	ErrEmptyContent   = errors.New("comment: empty content")
	ErrContentTooLong = errors.New("comment: content too long")
	ErrNotAuthor      = errors.New("comment: not the author")
	ErrReplyToReply   = errors.New("comment: replies cannot be nested")
	ErrInvalidVote    = errors.New("comment: invalid vote value")
)

// MaxContentLength 评论长度上限 (字节)
const MaxContentLength = 2000

// Comment 一条评论
type Comment struct {
	ID       string `gorm:"primaryKey;type:char(36)" json:"id"`
	MarketID string `gorm:"column:market_id;type:char(36);index:idx_market_created,priority:1" json:"market_id"`
	UserID   string `gorm:"column:user_id;type:char(36);index" json:"user_id"`
	ParentID string `gorm:"column:parent_id;type:char(36);index" json:"parent_id,omitempty"` // 空 = 顶层

	Content    string `gorm:"column:content;type:text" json:"content"`
	Upvotes    int64  `gorm:"column:upvotes" json:"upvotes"`
	Downvotes  int64  `gorm:"column:downvotes" json:"downvotes"`
	ReplyCount int64  `gorm:"column:reply_count" json:"reply_count"`

	CreatedAt int64 `gorm:"column:created_at;index:idx_market_created,priority:2" json:"created_at"` // 毫秒
	UpdatedAt int64 `gorm:"column:updated_at" json:"updated_at"`
}

func (Comment) TableName() string { return "comments" }

// IsReply 是否为回复
func (c *Comment) IsReply() bool { return c.ParentID != "" }

func NewComment(marketID, userID, parentID, content string) *Comment {
	now := time.Now().UnixMilli()
	return &Comment{
		ID:        uuid.NewString(),
		MarketID:  marketID,
		UserID:    userID,
		ParentID:  parentID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// VoteValue 投票方向
type VoteValue int8

const (
	VoteUp   VoteValue = 1
	VoteDown VoteValue = -1
)

// Vote 一张票 ((user, comment) 唯一)
type Vote struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    string    `gorm:"column:user_id;type:char(36);uniqueIndex:uniq_user_comment" json:"user_id"`
	CommentID string    `gorm:"column:comment_id;type:char(36);uniqueIndex:uniq_user_comment" json:"comment_id"`
	Value     VoteValue `gorm:"column:value" json:"value"`

	CreatedAt int64 `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at" json:"updated_at"`
}

func (Vote) TableName() string { return "comment_votes" }
