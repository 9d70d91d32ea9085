// 文件: pkg/comment/mysql_repo.go
// 评论存储 MySQL 实现

package comment

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MySQLRepository struct {
	db *gorm.DB
}

var _ Repository = (*MySQLRepository)(nil)

func NewMySQLRepository(db *gorm.DB) (*MySQLRepository, error) {
	if err := db.AutoMigrate(&Comment{}, &Vote{}); err != nil {
		return nil, fmt.Errorf("migrate comment tables: %w", err)
	}
	return &MySQLRepository{db: db}, nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *MySQLRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&MySQLRepository{db: tx})
	})
}

func (r *MySQLRepository) Insert(ctx context.Context, c *Comment) error {
	return wrapErr(r.db.WithContext(ctx).Create(c).Error)
}

func (r *MySQLRepository) Get(ctx context.Context, id string) (*Comment, error) {
	var c Comment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &c, nil
}

func (r *MySQLRepository) GetForUpdate(ctx context.Context, id string) (*Comment, error) {
	var c Comment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&c).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &c, nil
}

func (r *MySQLRepository) Update(ctx context.Context, c *Comment) error {
	return wrapErr(r.db.WithContext(ctx).Save(c).Error)
}

func (r *MySQLRepository) Delete(ctx context.Context, id string) error {
	return wrapErr(r.db.WithContext(ctx).Where("id = ?", id).Delete(&Comment{}).Error)
}

func (r *MySQLRepository) DeleteReplies(ctx context.Context, parentID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("parent_id = ?", parentID).Delete(&Comment{})
	return res.RowsAffected, wrapErr(res.Error)
}

func (r *MySQLRepository) AdjustReplyCount(ctx context.Context, id string, delta int64) error {
	res := r.db.WithContext(ctx).Model(&Comment{}).
		Where("id = ?", id).
		UpdateColumn("reply_count", gorm.Expr("GREATEST(0, reply_count + ?)", delta))
	if res.Error != nil {
		return wrapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MySQLRepository) AdjustVotes(ctx context.Context, id string, dUp, dDown int64) error {
	res := r.db.WithContext(ctx).Model(&Comment{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"upvotes":   gorm.Expr("GREATEST(0, upvotes + ?)", dUp),
			"downvotes": gorm.Expr("GREATEST(0, downvotes + ?)", dDown),
		})
	if res.Error != nil {
		return wrapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MySQLRepository) ListTopLevel(ctx context.Context, marketID string, limit, offset int) ([]*Comment, error) {
	var out []*Comment
	q := r.db.WithContext(ctx).
		Where("market_id = ? AND (parent_id = '' OR parent_id IS NULL)", marketID).
		Order("created_at DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func (r *MySQLRepository) ListReplies(ctx context.Context, parentID string) ([]*Comment, error) {
	var out []*Comment
	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func (r *MySQLRepository) GetVote(ctx context.Context, userID, commentID string) (*Vote, error) {
	var v Vote
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND comment_id = ?", userID, commentID).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &v, nil
}

func (r *MySQLRepository) SaveVote(ctx context.Context, v *Vote) error {
	return wrapErr(r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "comment_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(v).Error)
}

func (r *MySQLRepository) DeleteVote(ctx context.Context, userID, commentID string) error {
	return wrapErr(r.db.WithContext(ctx).
		Where("user_id = ? AND comment_id = ?", userID, commentID).
		Delete(&Vote{}).Error)
}

func (r *MySQLRepository) DeleteVotesFor(ctx context.Context, commentID string) error {
	return wrapErr(r.db.WithContext(ctx).
		Where("comment_id = ?", commentID).
		Delete(&Vote{}).Error)
}
