package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/events"
	"github.com/betbot/fillsync/internal/metrics"
)

var routerLog = logrus.WithField("component", "key_router")

// ExecHandler 单条成交事件的处理函数（在 worker 内串行调用）
// kill 关闭表示所属键已被终止，处理中的重试应尽快放弃
type ExecHandler func(ctx context.Context, kill <-chan struct{}, ev events.ExecutionEvent) error

// keyWorker 一个 (agent_id, symbol) 键的串行处理单元
// 同键事件在同一个 goroutine 内按到达顺序处理，天然保证顺序
type keyWorker struct {
	agentID string
	symbol  string
	queue   chan events.ExecutionEvent
	kill    chan struct{}
	failed  bool
	closed  bool
	mu      sync.Mutex
}

func (w *keyWorker) markFailed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return false
	}
	w.failed = true
	close(w.kill)
	return true
}

// enqueue 尝试投递一条事件
// 返回 (是否接收, 是否因缓冲满被拒)
func (w *keyWorker) enqueue(ev events.ExecutionEvent) (bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed || w.closed {
		return false, false
	}
	select {
	case w.queue <- ev:
		return true, false
	default:
		return false, true
	}
}

// closeQueue 关闭队列：不再接收新事件，worker 处理完剩余事件后退出
func (w *keyWorker) closeQueue() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
}

// KeyRouter 按 (agent_id, symbol) 分片的事件路由器
// 不同键的 worker 互不影响：一个键因存储故障卡死或被终止，
// 其它键照常处理（隔离故障域，见 keyWorker）
type KeyRouter struct {
	queueDepth int
	handler    ExecHandler

	workers  map[string]*keyWorker
	draining bool
	mu       sync.Mutex

	fatalCh chan events.KeyPipelineFatalEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKeyRouter 创建路由器
// queueDepth 是每个键的缓冲上限：溢出意味着存储故障时间过长，
// 该键会被声明为致命失败而不是无限吃内存
func NewKeyRouter(queueDepth int, handler ExecHandler) *KeyRouter {
	ctx, cancel := context.WithCancel(context.Background())
	return &KeyRouter{
		queueDepth: queueDepth,
		handler:    handler,
		workers:    make(map[string]*keyWorker),
		fatalCh:    make(chan events.KeyPipelineFatalEvent, 16),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Fatals 返回键级致命事件通道（供控制面消费）
func (r *KeyRouter) Fatals() <-chan events.KeyPipelineFatalEvent {
	return r.fatalCh
}

// Route 把一条成交事件投递给所属键的 worker
// 队列满时终止该键并发布 KeyPipelineFatalEvent；已终止的键直接拒收
func (r *KeyRouter) Route(ev events.ExecutionEvent) {
	key := ev.Fill.PositionKey()

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		routerLog.Warnf("路由器排空中，事件 %s 被拒收", ev.Fill.ExecID)
		return
	}
	w, ok := r.workers[key]
	if !ok {
		w = &keyWorker{
			agentID: ev.Fill.AgentID(),
			symbol:  ev.Fill.Symbol,
			queue:   make(chan events.ExecutionEvent, r.queueDepth),
			kill:    make(chan struct{}),
		}
		r.workers[key] = w
		r.wg.Add(1)
		go r.runWorker(w)
	}
	r.mu.Unlock()

	accepted, overflow := w.enqueue(ev)
	if overflow {
		// 缓冲溢出：该键的存储迟迟不恢复，大声失败
		metrics.QueueOverflows.Add(1)
		r.failKey(w, "retry buffer overflow")
		return
	}
	if !accepted {
		routerLog.Errorf("键 %s 已终止，事件 %s 被拒收（等待对账修复）", key, ev.Fill.ExecID)
	}
}

// failKey 终止一个键并对外广播
func (r *KeyRouter) failKey(w *keyWorker, reason string) {
	if !w.markFailed() {
		return
	}
	metrics.KeysFailed.Add(1)
	routerLog.Errorf("键 %s:%s 致命失败: %s", w.agentID, w.symbol, reason)

	ev := events.KeyPipelineFatalEvent{
		AgentID:   w.agentID,
		Symbol:    w.symbol,
		Err:       reason,
		Timestamp: time.Now(),
	}
	select {
	case r.fatalCh <- ev:
	default:
	}
}

// runWorker 键 worker 主循环
// 队列被关闭（排空）时处理完剩余事件再退出，关机取消通过 handler
// 内部的重试上下文传导，不在这里直接截断队列
func (r *KeyRouter) runWorker(w *keyWorker) {
	defer r.wg.Done()
	for {
		select {
		case <-w.kill:
			return
		case ev, ok := <-w.queue:
			if !ok {
				return
			}
			if err := r.handler(r.ctx, w.kill, ev); err != nil {
				// 处理失败只可能来自终止或关机（handler 内部无限重试）
				routerLog.Errorf("键 %s:%s 处理 %s 中止: %v", w.agentID, w.symbol, ev.Fill.ExecID, err)
				r.failKey(w, err.Error())
				return
			}
		}
	}
}

// Drain 排空路由器：停止接收新事件，处理完各键队列中已接收的事件后返回
// 已入队的成交交易所不会重放，关机时必须先入账再退出；
// ctx 预算耗尽才取消剩余 worker 的处理
func (r *KeyRouter) Drain(ctx context.Context) {
	r.mu.Lock()
	r.draining = true
	workers := make([]*keyWorker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.closeQueue()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		routerLog.Warn("排空超出预算，中止剩余 worker（队列中的成交将依赖对账修正缓存）")
		r.cancel()
		<-done
	}
	r.cancel()
}
