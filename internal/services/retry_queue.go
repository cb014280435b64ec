package services

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/metrics"
)

var retryLog = logrus.WithField("component", "store_retry")

// ErrRetryAborted 重试因上下文取消或键被终止而放弃
var ErrRetryAborted = errors.New("store retry aborted")

// Backoff 指数退避参数
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff 存储重试的默认退避
func DefaultBackoff() Backoff {
	return Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second}
}

// Delay 返回第 attempt 次（从 1 开始）重试前的等待时长，带抖动
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Min << uint(attempt-1)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// StoreRetrier 把「必须成功」的存储写入封装为无限重试
// 存储短暂不可用时事件停在原地退避重试，绝不丢弃、绝不乱序
// 放弃只有两种方式：上下文取消，或所属键被终止（kill）
type StoreRetrier struct {
	backoff        Backoff
	attemptTimeout time.Duration
}

// NewStoreRetrier 创建存储重试器
// attemptTimeout 是单次尝试的超时；<=0 时不设超时
func NewStoreRetrier(backoff Backoff, attemptTimeout time.Duration) *StoreRetrier {
	return &StoreRetrier{backoff: backoff, attemptTimeout: attemptTimeout}
}

// Do 执行 op 直到成功
// kill 通道关闭或 ctx 取消时返回 ErrRetryAborted（包裹最后一次失败原因）
func (r *StoreRetrier) Do(ctx context.Context, kill <-chan struct{}, label string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if r.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		}
		err := op(attemptCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				retryLog.Infof("%s 在第 %d 次尝试后成功", label, attempt)
			}
			return nil
		}
		lastErr = err
		metrics.StoreRetries.Add(1)

		delay := r.backoff.Delay(attempt)
		retryLog.Warnf("%s 失败 (第 %d 次): %v, %v 后重试", label, attempt, err, delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrRetryAborted, "%s: %v (ctx: %v)", label, lastErr, ctx.Err())
		case <-kill:
			return errors.Wrapf(ErrRetryAborted, "%s: %v (key terminated)", label, lastErr)
		case <-time.After(delay):
		}
	}
}
