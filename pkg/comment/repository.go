// 文件: pkg/comment/repository.go
// 评论存储接口

package comment

import "context"

type Repository interface {
	// Transaction 在单个事务内执行 fn (回复计数与级联删除依赖)
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	Insert(ctx context.Context, c *Comment) error
	Get(ctx context.Context, id string) (*Comment, error)
	GetForUpdate(ctx context.Context, id string) (*Comment, error)
	Update(ctx context.Context, c *Comment) error
	// Delete 删除单条评论
	Delete(ctx context.Context, id string) error
	// DeleteReplies 级联删除某顶层评论的全部回复，返回删除条数
	DeleteReplies(ctx context.Context, parentID string) (int64, error)

	// AdjustReplyCount 顶层评论回复计数增量
	AdjustReplyCount(ctx context.Context, id string, delta int64) error
	// AdjustVotes 票数增量 (换边时一次翻两个计数)
	AdjustVotes(ctx context.Context, id string, dUp, dDown int64) error

	ListTopLevel(ctx context.Context, marketID string, limit, offset int) ([]*Comment, error)
	ListReplies(ctx context.Context, parentID string) ([]*Comment, error)

	// GetVote 无票返回 (nil, nil)
	GetVote(ctx context.Context, userID, commentID string) (*Vote, error)
	SaveVote(ctx context.Context, v *Vote) error
	DeleteVote(ctx context.Context, userID, commentID string) error
	// DeleteVotesFor 评论删除时清掉其全部票
	DeleteVotesFor(ctx context.Context, commentID string) error
}
