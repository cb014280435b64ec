package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/fillsync/internal/domain"
	"github.com/betbot/fillsync/internal/events"
	"github.com/betbot/fillsync/internal/ledger"
)

// hungOrderStore 订单状态落库挂死的账本替身，成交入账照常
// （模拟单连接 SQLite 被一次慢写占住的场景）
type hungOrderStore struct {
	appended int64
	release  chan struct{}
}

func (s *hungOrderStore) Append(ctx context.Context, f *domain.Fill) (ledger.AppendResult, error) {
	atomic.AddInt64(&s.appended, 1)
	return ledger.ResultInserted, nil
}

func (s *hungOrderStore) UpsertOrderStatus(ctx context.Context, o *domain.OrderUpdate) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func orderStatusEvent(orderID string) events.OrderStatusEvent {
	return events.OrderStatusEvent{
		Order: &domain.OrderUpdate{
			OrderID:       orderID,
			ClientOrderID: "a1:entry:1",
			Attribution:   domain.ParseClientOrderID("a1:entry:1"),
			Symbol:        "BTCUSDT",
			Side:          domain.SideBuy,
			Status:        domain.OrderStatusNew,
			UpdatedAt:     time.Now(),
		},
		ReceivedAt: time.Now(),
	}
}

func TestDispatch_OrderStatusOffHotPath(t *testing.T) {
	// 订单状态落库挂死时，帧分发必须立刻返回，
	// 后续的成交事件照常入账（入账通路不经过订单旁路）
	store := &hungOrderStore{release: make(chan struct{})}
	_, cache := newTestStores(t)
	updater := NewCacheUpdater(cache, 5*time.Second)
	retrier := NewStoreRetrier(DefaultBackoff(), time.Second)
	p := NewPipeline(nil, store, updater, nil, retrier, 16)
	t.Cleanup(func() {
		close(store.release)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	})

	go p.orderLoop()

	// 第一条被 orderLoop 取走后挂在存储上
	p.dispatch(orderStatusEvent("o1"))
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.dispatch(orderStatusEvent("o2"))
		p.dispatch(execEvent("a1", "BTCUSDT", "hot-e1"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("订单状态落库挂死不应阻塞帧分发")
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&store.appended) == 0 {
		select {
		case <-deadline:
			t.Fatal("成交事件未入账：摄取通路被订单状态落库卡住")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispatch_OrderQueueOverflowDropsNotBlocks(t *testing.T) {
	// 旁路队列满时丢弃订单状态而不是阻塞（订单状态是辅助数据）
	store := &hungOrderStore{release: make(chan struct{})}
	_, cache := newTestStores(t)
	updater := NewCacheUpdater(cache, 5*time.Second)
	retrier := NewStoreRetrier(DefaultBackoff(), time.Second)
	p := NewPipeline(nil, store, updater, nil, retrier, 16)
	t.Cleanup(func() {
		close(store.release)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	})

	// 没有消费者：填满队列后继续投递也必须立刻返回
	done := make(chan struct{})
	go func() {
		for i := 0; i < orderQueueDepth+10; i++ {
			p.dispatch(orderStatusEvent("ovf"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("旁路队列满时 dispatch 不应阻塞")
	}
}
