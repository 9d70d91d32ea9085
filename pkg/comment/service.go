// 文件: pkg/comment/service.go
// 评论服务
//
// 规则:
// - 单层讨论: 只能回复顶层评论 (回复的回复直接拒绝)
// - 只有作者能编辑/删除自己的评论
// - 删除顶层评论级联删除其全部回复与相关投票
// - 投票幂等: 同方向重复投无效果，换方向一步翻转两个计数
//
// 所有变更提交后向市场主题发 CommentUpdate 事件。

package comment

import (
	"context"
	"strings"
	"time"

	"pmx.com/pkg/stream"
)

// EventPublisher 提交后的事件出口
type EventPublisher interface {
	Publish(e stream.Event)
}

// Service 评论服务
type Service struct {
	repo Repository
	hub  EventPublisher // 可为 nil
}

func NewService(repo Repository, hub EventPublisher) *Service {
	return &Service{repo: repo, hub: hub}
}

// Thread 顶层评论及其回复
type Thread struct {
	Comment *Comment   `json:"comment"`
	Replies []*Comment `json:"replies"`
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// =============================================================================
// 创建 / 编辑 / 删除
// =============================================================================

// Create 发表评论。parentID 非空时作为回复挂到对应顶层评论。
func (s *Service) Create(ctx context.Context, userID, marketID, parentID, content string) (*Comment, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	c := NewComment(marketID, userID, parentID, content)
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		if parentID != "" {
			parent, err := tx.GetForUpdate(ctx, parentID)
			if err != nil {
				return err
			}
			if parent.IsReply() {
				return ErrReplyToReply
			}
			if parent.MarketID != marketID {
				return ErrNotFound
			}
			if err := tx.AdjustReplyCount(ctx, parentID, 1); err != nil {
				return err
			}
		}
		return tx.Insert(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.publish(c, stream.CommentCreated)
	return c, nil
}

// Edit 编辑自己的评论
func (s *Service) Edit(ctx context.Context, userID, commentID, content string) (*Comment, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	var edited *Comment
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		c, err := tx.GetForUpdate(ctx, commentID)
		if err != nil {
			return err
		}
		if c.UserID != userID {
			return ErrNotAuthor
		}
		c.Content = content
		c.UpdatedAt = time.Now().UnixMilli()
		if err := tx.Update(ctx, c); err != nil {
			return err
		}
		edited = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(edited, stream.CommentUpdated)
	return edited, nil
}

// Delete 删除自己的评论。顶层评论连带其全部回复与投票。
func (s *Service) Delete(ctx context.Context, userID, commentID string) error {
	var deleted *Comment
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		c, err := tx.GetForUpdate(ctx, commentID)
		if err != nil {
			return err
		}
		if c.UserID != userID {
			return ErrNotAuthor
		}

		if c.IsReply() {
			if err := tx.AdjustReplyCount(ctx, c.ParentID, -1); err != nil && err != ErrNotFound {
				return err
			}
		} else {
			replies, err := tx.ListReplies(ctx, commentID)
			if err != nil {
				return err
			}
			for _, reply := range replies {
				if err := tx.DeleteVotesFor(ctx, reply.ID); err != nil {
					return err
				}
			}
			if _, err := tx.DeleteReplies(ctx, commentID); err != nil {
				return err
			}
		}

		if err := tx.DeleteVotesFor(ctx, commentID); err != nil {
			return err
		}
		if err := tx.Delete(ctx, commentID); err != nil {
			return err
		}
		deleted = c
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(deleted, stream.CommentDeleted)
	return nil
}

// =============================================================================
// 投票
// =============================================================================

// VoteOn 投票。同方向重复投票无效果 (幂等)，
// 反方向一次换边，value = 0 撤票。
func (s *Service) VoteOn(ctx context.Context, userID, commentID string, value VoteValue) (*Comment, error) {
	if value != VoteUp && value != VoteDown && value != 0 {
		return nil, ErrInvalidVote
	}

	var voted *Comment
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		c, err := tx.GetForUpdate(ctx, commentID)
		if err != nil {
			return err
		}

		existing, err := tx.GetVote(ctx, userID, commentID)
		if err != nil {
			return err
		}

		var dUp, dDown int64
		switch {
		case existing == nil && value == 0:
			// 无票可撤
		case existing == nil:
			now := time.Now().UnixMilli()
			if err := tx.SaveVote(ctx, &Vote{
				UserID: userID, CommentID: commentID, Value: value,
				CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
			dUp, dDown = voteDelta(value)
		case existing.Value == value:
			// 幂等: 同方向重复投票
		case value == 0:
			if err := tx.DeleteVote(ctx, userID, commentID); err != nil {
				return err
			}
			u, d := voteDelta(existing.Value)
			dUp, dDown = -u, -d
		default:
			// 换边: 旧票撤销 + 新票生效，一步翻两个计数
			existing.Value = value
			existing.UpdatedAt = time.Now().UnixMilli()
			if err := tx.SaveVote(ctx, existing); err != nil {
				return err
			}
			oldUp, oldDown := voteDelta(existingOpposite(value))
			newUp, newDown := voteDelta(value)
			dUp, dDown = newUp-oldUp, newDown-oldDown
		}

		if dUp != 0 || dDown != 0 {
			if err := tx.AdjustVotes(ctx, commentID, dUp, dDown); err != nil {
				return err
			}
		}
		c.Upvotes += dUp
		c.Downvotes += dDown
		voted = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(voted, stream.CommentVoted)
	return voted, nil
}

func voteDelta(v VoteValue) (dUp, dDown int64) {
	switch v {
	case VoteUp:
		return 1, 0
	case VoteDown:
		return 0, 1
	}
	return 0, 0
}

func existingOpposite(v VoteValue) VoteValue {
	if v == VoteUp {
		return VoteDown
	}
	return VoteUp
}

// =============================================================================
// 读
// =============================================================================

// ListThreads 市场的顶层评论 (新→旧) 及各自回复 (旧→新)
func (s *Service) ListThreads(ctx context.Context, marketID string, limit, offset int) ([]*Thread, error) {
	tops, err := s.repo.ListTopLevel(ctx, marketID, limit, offset)
	if err != nil {
		return nil, err
	}

	threads := make([]*Thread, 0, len(tops))
	for _, c := range tops {
		replies, err := s.repo.ListReplies(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		threads = append(threads, &Thread{Comment: c, Replies: replies})
	}
	return threads, nil
}

// =============================================================================
// 事件
// =============================================================================

func (s *Service) publish(c *Comment, action stream.CommentAction) {
	if s.hub == nil || c == nil {
		return
	}
	payload := stream.CommentUpdate{
		MarketID:  c.MarketID,
		CommentID: c.ID,
		Action:    action,
		ParentID:  c.ParentID,
		Upvotes:   c.Upvotes,
		Downvotes: c.Downvotes,
	}
	if action != stream.CommentDeleted {
		payload.Content = c.Content
	}
	s.hub.Publish(stream.Event{
		Type:     stream.EventCommentUpdate,
		Subject:  stream.MarketSubject(c.MarketID),
		UserID:   c.UserID,
		MarketID: c.MarketID,
		Payload:  payload,
	})
}
