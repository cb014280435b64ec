package services

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: 1 * time.Second}

	// 抖动最多 25%，校验区间而不是精确值
	for attempt, base := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: 1 * time.Second, // 封顶
		9: 1 * time.Second,
	} {
		d := b.Delay(attempt)
		if d < base || d > base+base/4 {
			t.Fatalf("attempt %d: delay=%v, want [%v, %v]", attempt, d, base, base+base/4)
		}
	}
}

func TestStoreRetrier_EventualSuccess(t *testing.T) {
	r := NewStoreRetrier(Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond}, 0)
	kill := make(chan struct{})

	calls := 0
	err := r.Do(context.Background(), kill, "test op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("store down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestStoreRetrier_AbortOnKill(t *testing.T) {
	r := NewStoreRetrier(Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}, 0)
	kill := make(chan struct{})
	close(kill)

	err := r.Do(context.Background(), kill, "test op", func(ctx context.Context) error {
		return errors.New("store down")
	})
	if !errors.Is(err, ErrRetryAborted) {
		t.Fatalf("err = %v, want ErrRetryAborted", err)
	}
}

func TestStoreRetrier_AbortOnContext(t *testing.T) {
	r := NewStoreRetrier(Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, make(chan struct{}), "test op", func(ctx context.Context) error {
		return errors.New("store down")
	})
	if !errors.Is(err, ErrRetryAborted) {
		t.Fatalf("err = %v, want ErrRetryAborted", err)
	}
}

func TestStoreRetrier_AttemptTimeout(t *testing.T) {
	// 单次尝试超时必须生效，避免慢调用卡死键队列
	r := NewStoreRetrier(Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond}, 20*time.Millisecond)
	kill := make(chan struct{})

	calls := 0
	err := r.Do(context.Background(), kill, "slow op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done() // 模拟挂住的存储调用
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
