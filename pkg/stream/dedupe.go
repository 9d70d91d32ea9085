// 文件: pkg/stream/dedupe.go
// 客户端自回声过滤
//
// 客户端自己发起操作又订阅回声流时会收到自己的事件。
// 约定: 客户端记录最近提交的实体 ID 与待确认内容哈希，
// 10 秒窗口内丢弃自己发起的回声；服务端保证每个事件
// 都带发起用户 ID，过滤才可行。

package stream

import (
	"sync"
	"time"
)

// DedupeWindow 自回声过滤窗口
const DedupeWindow = 10 * time.Second

// Deduper 单个客户端的去重器
type Deduper struct {
	selfUserID string
	window     time.Duration

	mu       sync.Mutex
	ids      map[string]time.Time // 最近提交的实体 ID
	hashes   map[string]time.Time // 待确认内容哈希
	lastSeen map[string]int64     // (subject) → 最大事件 ID，乱序兜底
}

func NewDeduper(selfUserID string) *Deduper {
	return &Deduper{
		selfUserID: selfUserID,
		window:     DedupeWindow,
		ids:        make(map[string]time.Time),
		hashes:     make(map[string]time.Time),
		lastSeen:   make(map[string]int64),
	}
}

// TrackID 记录自己刚提交的实体 ID (评论 ID、成交 ID 的字符串形式)
func (d *Deduper) TrackID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids[id] = time.Now()
	d.prune()
}

// TrackHash 记录待确认内容哈希 (提交后回声到达前)
func (d *Deduper) TrackHash(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hashes[hash] = time.Now()
	d.prune()
}

// Drop 事件是否应丢弃
//
// 丢弃条件 (任一):
// 1. 自己发起且在窗口内有记录过的 ID 或内容哈希
// 2. 同主题重复/回退的事件 ID (至少一次投递的去重)
func (d *Deduper) Drop(e Event, entityID, contentHash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune()

	if last, ok := d.lastSeen[e.Subject]; ok && e.ID <= last {
		return true
	}
	d.lastSeen[e.Subject] = e.ID

	if e.UserID != d.selfUserID {
		return false
	}
	if entityID != "" {
		if _, ok := d.ids[entityID]; ok {
			return true
		}
	}
	if contentHash != "" {
		if _, ok := d.hashes[contentHash]; ok {
			delete(d.hashes, contentHash)
			return true
		}
	}
	return false
}

// prune 清掉窗口外的记录 (调用方持锁)
func (d *Deduper) prune() {
	cutoff := time.Now().Add(-d.window)
	for id, t := range d.ids {
		if t.Before(cutoff) {
			delete(d.ids, id)
		}
	}
	for h, t := range d.hashes {
		if t.Before(cutoff) {
			delete(d.hashes, h)
		}
	}
}
