package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/domain"
	"github.com/betbot/fillsync/internal/events"
	"github.com/betbot/fillsync/internal/infrastructure/websocket"
	"github.com/betbot/fillsync/internal/ledger"
	"github.com/betbot/fillsync/internal/metrics"
	"github.com/betbot/fillsync/pkg/syncgroup"
)

var pipelineLog = logrus.WithField("component", "pipeline")

const (
	// 订单状态旁路队列深度：满了直接丢（订单状态是辅助数据，账本里只有成交是事实）
	orderQueueDepth = 256
	// 单次订单状态落库的超时
	orderUpsertTimeout = 5 * time.Second
)

// LedgerStore 流水线需要的账本操作（便于测试替换）
type LedgerStore interface {
	Append(ctx context.Context, f *domain.Fill) (ledger.AppendResult, error)
	UpsertOrderStatus(ctx context.Context, o *domain.OrderUpdate) error
}

// Pipeline 摄取流水线编排器
// 帧 → 归一化 → 按键路由 → 账本（幂等）→ 缓存增量
// 订单状态与仓位快照走旁路，不占用成交键的串行队列
type Pipeline struct {
	ws         *websocket.Client
	normalizer *Normalizer
	router     *KeyRouter
	store      LedgerStore
	updater    *CacheUpdater
	reconciler *Reconciler
	retrier    *StoreRetrier

	orderCh chan events.OrderStatusEvent

	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	stopOnce  sync.Once
	frameDone chan struct{}
	sg        *syncgroup.SyncGroup
}

// NewPipeline 组装流水线
func NewPipeline(
	ws *websocket.Client,
	store LedgerStore,
	updater *CacheUpdater,
	reconciler *Reconciler,
	retrier *StoreRetrier,
	queueDepth int,
) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		ws:         ws,
		normalizer: NewNormalizer(),
		store:      store,
		updater:    updater,
		reconciler: reconciler,
		retrier:    retrier,
		orderCh:    make(chan events.OrderStatusEvent, orderQueueDepth),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		frameDone:  make(chan struct{}),
		sg:         syncgroup.NewSyncGroup(),
	}
	p.router = NewKeyRouter(queueDepth, p.handleExecution)
	return p
}

// Start 启动流水线消费循环
func (p *Pipeline) Start(ctx context.Context) {
	if ctx != nil {
		p.ctx, p.cancel = context.WithCancel(ctx)
	}
	p.sg.Add(p.frameLoop)
	p.sg.Add(p.eventLoop)
	p.sg.Add(p.fatalLoop)
	p.sg.Add(p.orderLoop)
	p.sg.Run()
	pipelineLog.Info("流水线已启动")
}

// Stop 停止流水线
// 调用方必须先停掉上游 WebSocket，保证不再有新帧进入
// 关机是排空而不是中止：帧通道里残留的帧先归一化分发，
// 各键队列里已接收的成交先入账，之后才取消消费循环
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.frameDone:
	case <-ctx.Done():
		pipelineLog.Warn("帧排空超出预算")
	}
	p.router.Drain(ctx)
	p.cancel()
	p.sg.Wait()
	pipelineLog.Info("流水线已停止")
}

// frameLoop 消费数据帧
func (p *Pipeline) frameLoop() {
	defer close(p.frameDone)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.stopCh:
			p.drainFrames()
			return
		case frame, ok := <-p.ws.Frames():
			if !ok {
				return
			}
			for _, ev := range p.normalizer.Normalize(frame) {
				p.dispatch(ev)
			}
		}
	}
}

// drainFrames 上游已停，消费完帧通道里残留的帧
func (p *Pipeline) drainFrames() {
	for {
		select {
		case frame, ok := <-p.ws.Frames():
			if !ok {
				return
			}
			for _, ev := range p.normalizer.Normalize(frame) {
				p.dispatch(ev)
			}
		default:
			return
		}
	}
}

// dispatch 按事件类型分发
func (p *Pipeline) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case events.ExecutionEvent:
		p.router.Route(e)
	case events.OrderStatusEvent:
		// 订单状态走旁路队列：帧消费循环绝不能被存储调用卡住
		// （ledger 只开一个连接，一次慢写会堵死整条摄取通路）
		select {
		case p.orderCh <- e:
		default:
			metrics.OrderStatusDrops.Add(1)
			pipelineLog.Warnf("订单状态队列已满，丢弃 order_id=%s", e.Order.OrderID)
		}
	case events.PositionSnapshotEvent:
		p.reconciler.Submit(e.Snapshot)
	default:
		pipelineLog.Debugf("忽略未知事件类型 %T", ev)
	}
}

// orderLoop 消费订单状态旁路队列
// 尽力落库：单次写入带超时，失败只记日志不重试
func (p *Pipeline) orderLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case e := <-p.orderCh:
			ctx, cancel := context.WithTimeout(p.ctx, orderUpsertTimeout)
			err := p.store.UpsertOrderStatus(ctx, e.Order)
			cancel()
			if err != nil {
				pipelineLog.Warnf("订单状态落库失败 order_id=%s: %v", e.Order.OrderID, err)
			}
		}
	}
}

// eventLoop 消费连接事件与错误
func (p *Pipeline) eventLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.ws.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.ConnStateEvent:
				pipelineLog.Infof("连接状态 %s → %s %s", e.From, e.To, e.Err)
				if e.To == websocket.StateStreaming.String() && e.From == websocket.StateSubscribing.String() {
					metrics.Reconnects.Add(1)
				}
			case events.StreamGapEvent:
				// 断线窗口内的成交不会重放，立即用权威快照补偿
				metrics.StreamGaps.Add(1)
				pipelineLog.Warnf("检测到流缺口: %s", e.Reason)
				p.reconciler.Kick("stream gap: " + e.Reason)
			}
		case err, ok := <-p.ws.Errors():
			if !ok {
				return
			}
			pipelineLog.Errorf("连接层错误: %v", err)
		}
	}
}

// fatalLoop 消费键级致命事件（对外只做日志与计数，控制面自行订阅）
func (p *Pipeline) fatalLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.router.Fatals():
			if !ok {
				return
			}
			pipelineLog.Errorf("键 %s:%s 流水线致命失败: %s（该键停止摄取，等待运维介入）",
				ev.AgentID, ev.Symbol, ev.Err)
		}
	}
}

// handleExecution 单条成交的两段写入（在键 worker 内串行执行）
// 第一段：幂等入账，无限重试直到成功或键被终止
// 第二段：仅在「首次入账」时应用缓存增量，同样重试到成功
// 两段分开重试：入账成功而缓存写失败时，不能因重放看到 AlreadyExists 而丢掉增量
func (p *Pipeline) handleExecution(ctx context.Context, kill <-chan struct{}, ev events.ExecutionEvent) error {
	fill := ev.Fill

	var result ledger.AppendResult
	err := p.retrier.Do(ctx, kill, "账本写入 "+fill.ExecID, func(ctx context.Context) error {
		r, err := p.store.Append(ctx, fill)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return err
	}

	if result == ledger.ResultAlreadyExists {
		// 重复投递是 at-least-once 流的常态，不是错误
		metrics.FillsDuplicate.Add(1)
		pipelineLog.Debugf("重复成交 %s，跳过缓存增量", fill.ExecID)
		return nil
	}
	metrics.FillsLedgered.Add(1)

	return p.retrier.Do(ctx, kill, "缓存增量 "+fill.ExecID, func(ctx context.Context) error {
		return p.updater.ApplyFill(fill)
	})
}
