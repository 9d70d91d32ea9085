// 文件: pkg/comment/memory_repo.go
// 评论存储内存实现 (测试用)
//
// 与账本内存存储同一套事务语义: 事务在深拷贝副本上执行，
// 成功才换入，失败整体丢弃。

package comment

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memState struct {
	comments map[string]*Comment
	votes    map[string]*Vote // key: user|comment
	nextID   uint
}

func voteKey(userID, commentID string) string { return userID + "|" + commentID }

func (st *memState) clone() *memState {
	out := &memState{
		comments: make(map[string]*Comment, len(st.comments)),
		votes:    make(map[string]*Vote, len(st.votes)),
		nextID:   st.nextID,
	}
	for k, v := range st.comments {
		c := *v
		out.comments[k] = &c
	}
	for k, v := range st.votes {
		vv := *v
		out.votes[k] = &vv
	}
	return out
}

type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
	inTx  bool
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: &memState{
		comments: make(map[string]*Comment),
		votes:    make(map[string]*Vote),
		nextID:   1,
	}}
}

func (r *MemoryRepository) lock() {
	if !r.inTx {
		r.mu.Lock()
	}
}

func (r *MemoryRepository) unlock() {
	if !r.inTx {
		r.mu.Unlock()
	}
}

func (r *MemoryRepository) Transaction(_ context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := &MemoryRepository{state: r.state.clone(), inTx: true}
	if err := fn(staged); err != nil {
		return err
	}
	r.state = staged.state
	return nil
}

func (r *MemoryRepository) Insert(_ context.Context, c *Comment) error {
	r.lock()
	defer r.unlock()
	cp := *c
	r.state.comments[c.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Comment, error) {
	r.lock()
	defer r.unlock()
	c, ok := r.state.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, id string) (*Comment, error) {
	return r.Get(ctx, id)
}

func (r *MemoryRepository) Update(_ context.Context, c *Comment) error {
	r.lock()
	defer r.unlock()
	if _, ok := r.state.comments[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UnixMilli()
	cp := *c
	r.state.comments[c.ID] = &cp
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.lock()
	defer r.unlock()
	delete(r.state.comments, id)
	return nil
}

func (r *MemoryRepository) DeleteReplies(_ context.Context, parentID string) (int64, error) {
	r.lock()
	defer r.unlock()
	var n int64
	for id, c := range r.state.comments {
		if c.ParentID == parentID {
			delete(r.state.comments, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) AdjustReplyCount(_ context.Context, id string, delta int64) error {
	r.lock()
	defer r.unlock()
	c, ok := r.state.comments[id]
	if !ok {
		return ErrNotFound
	}
	c.ReplyCount += delta
	if c.ReplyCount < 0 {
		c.ReplyCount = 0
	}
	return nil
}

func (r *MemoryRepository) AdjustVotes(_ context.Context, id string, dUp, dDown int64) error {
	r.lock()
	defer r.unlock()
	c, ok := r.state.comments[id]
	if !ok {
		return ErrNotFound
	}
	c.Upvotes += dUp
	c.Downvotes += dDown
	if c.Upvotes < 0 {
		c.Upvotes = 0
	}
	if c.Downvotes < 0 {
		c.Downvotes = 0
	}
	return nil
}

func (r *MemoryRepository) ListTopLevel(_ context.Context, marketID string, limit, offset int) ([]*Comment, error) {
	r.lock()
	defer r.unlock()
	var out []*Comment
	for _, c := range r.state.comments {
		if c.MarketID == marketID && c.ParentID == "" {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListReplies(_ context.Context, parentID string) ([]*Comment, error) {
	r.lock()
	defer r.unlock()
	var out []*Comment
	for _, c := range r.state.comments {
		if c.ParentID == parentID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (r *MemoryRepository) GetVote(_ context.Context, userID, commentID string) (*Vote, error) {
	r.lock()
	defer r.unlock()
	v, ok := r.state.votes[voteKey(userID, commentID)]
	if !ok {
		return nil, nil
	}
	vp := *v
	return &vp, nil
}

func (r *MemoryRepository) SaveVote(_ context.Context, v *Vote) error {
	r.lock()
	defer r.unlock()
	if v.ID == 0 {
		v.ID = r.state.nextID
		r.state.nextID++
	}
	vp := *v
	r.state.votes[voteKey(v.UserID, v.CommentID)] = &vp
	return nil
}

func (r *MemoryRepository) DeleteVote(_ context.Context, userID, commentID string) error {
	r.lock()
	defer r.unlock()
	delete(r.state.votes, voteKey(userID, commentID))
	return nil
}

func (r *MemoryRepository) DeleteVotesFor(_ context.Context, commentID string) error {
	r.lock()
	defer r.unlock()
	for k, v := range r.state.votes {
		if v.CommentID == commentID {
			delete(r.state.votes, k)
		}
	}
	return nil
}
