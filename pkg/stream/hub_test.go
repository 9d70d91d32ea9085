// 文件: pkg/stream/hub_test.go

package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := NewHub(1)
	require.NoError(t, err)
	t.Cleanup(hub.Close)
	return hub
}

func TestFilterMatching(t *testing.T) {
	e := Event{
		Type:     EventPriceUpdate,
		Subject:  OptionSubject("opt-1"),
		MarketID: "mkt-1",
		OptionID: "opt-1",
		UserID:   "user-1",
	}

	assert.True(t, Filter{All: true}.Matches(e))
	assert.True(t, Filter{MarketID: "mkt-1"}.Matches(e))
	assert.True(t, Filter{OptionIDs: []string{"opt-0", "opt-1"}}.Matches(e))
	assert.False(t, Filter{MarketID: "mkt-2"}.Matches(e))
	assert.False(t, Filter{OptionIDs: []string{"opt-9"}}.Matches(e))

	// 用户流按主题匹配，不按发起者匹配
	assert.False(t, Filter{UserID: "user-1"}.Matches(e))
	userEvent := Event{Subject: UserSubject("user-1"), UserID: "user-1"}
	assert.True(t, Filter{UserID: "user-1"}.Matches(userEvent))
}

func TestPublishOrdering(t *testing.T) {
	hub := newTestHub(t)
	sub := hub.Subscribe(Filter{OptionIDs: []string{"opt-1"}})

	const n = 50
	for i := 0; i < n; i++ {
		hub.Publish(Event{
			Type:     EventPriceUpdate,
			Subject:  OptionSubject("opt-1"),
			OptionID: "opt-1",
			Payload:  PriceUpdate{OptionID: "opt-1", YesPrice: int64(i)},
		})
	}

	// 同主题事件按发布顺序送达，事件 ID 单调递增
	var lastID int64
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.C:
			assert.Greater(t, e.ID, lastID)
			lastID = e.ID
			assert.Equal(t, int64(i), e.Payload.(PriceUpdate).YesPrice)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	hub := newTestHub(t)
	slow := hub.Subscribe(Filter{MarketID: "mkt-1"})
	healthy := hub.Subscribe(Filter{MarketID: "mkt-1"})

	// slow 从不消费: 灌满缓冲后应被踢，healthy 不受影响
	total := defaultSubscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		for range healthy.C {
		}
		close(done)
	}()

	for i := 0; i < total; i++ {
		hub.Publish(Event{
			Type:     EventTradeCreated,
			Subject:  MarketSubject("mkt-1"),
			MarketID: "mkt-1",
		})
	}

	select {
	case <-slow.Dropped:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not evicted")
	}

	hub.Unsubscribe(healthy)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber channel not closed")
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := newTestHub(t)
	sub := hub.Subscribe(Filter{All: true})
	hub.Unsubscribe(sub)

	// 退订后通道关闭，Publish 不 panic
	hub.Publish(Event{Subject: MarketSubject("m"), MarketID: "m"})
	_, open := <-sub.C
	assert.False(t, open)
}

func TestDeduper(t *testing.T) {
	d := NewDeduper("user-1")

	t.Run("DropsOwnEcho", func(t *testing.T) {
		d.TrackID("comment-1")
		e := Event{ID: 1, Subject: MarketSubject("m"), UserID: "user-1"}
		assert.True(t, d.Drop(e, "comment-1", ""))
	})

	t.Run("KeepsOthersEvents", func(t *testing.T) {
		e := Event{ID: 2, Subject: MarketSubject("m"), UserID: "user-2"}
		assert.False(t, d.Drop(e, "comment-1", ""))
	})

	t.Run("DropsStaleEventIDs", func(t *testing.T) {
		// 至少一次投递: 重复 ID 丢弃
		e := Event{ID: 2, Subject: MarketSubject("m"), UserID: "user-2"}
		assert.True(t, d.Drop(e, "", ""))
	})

	t.Run("ContentHashConsumedOnce", func(t *testing.T) {
		d.TrackHash("h1")
		e := Event{ID: 10, Subject: MarketSubject("x"), UserID: "user-1"}
		assert.True(t, d.Drop(e, "", "h1"))
		e.ID = 11
		assert.False(t, d.Drop(e, "", "h1"))
	})
}

func TestManySubjectsInterleaved(t *testing.T) {
	hub := newTestHub(t)
	sub := hub.Subscribe(Filter{All: true})

	for i := 0; i < 10; i++ {
		hub.Publish(Event{
			Subject:  OptionSubject(fmt.Sprintf("opt-%d", i%3)),
			OptionID: fmt.Sprintf("opt-%d", i%3),
		})
	}

	count := 0
	timeout := time.After(time.Second)
	for count < 10 {
		select {
		case <-sub.C:
			count++
		case <-timeout:
			t.Fatalf("got %d events, want 10", count)
		}
	}
}
