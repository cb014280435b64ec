package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/domain"
	"github.com/betbot/fillsync/internal/events"
	"github.com/betbot/fillsync/internal/metrics"
	"github.com/betbot/fillsync/internal/poscache"
	"github.com/betbot/fillsync/pkg/sigchan"
)

var reconcilerLog = logrus.WithField("component", "reconciler")

// SnapshotSource 交易所权威仓位快照来源（REST）
type SnapshotSource interface {
	FetchPositions(ctx context.Context) ([]*domain.PositionSnapshot, error)
}

// AuditSink 漂移审计记录的持久化出口
type AuditSink interface {
	InsertDriftAudit(ctx context.Context, a *domain.DriftAudit) error
}

// ReconcilerConfig 对账引擎配置
type ReconcilerConfig struct {
	Interval       time.Duration   // 定时对账间隔
	Epsilon        decimal.Decimal // 仓位一致性容差
	AlertThreshold decimal.Decimal // 超过该漂移幅度的审计记录标记为 alert
	Agents         []string        // 已知代理列表（无持有者快照的归因兜底）
}

// Reconciler 对账引擎
// 单向收敛：交易所快照修正缓存，绝不修改账本，绝不阻塞摄取
// 触发方式有三种：固定间隔、私有流推送的仓位快照、流缺口补偿（Kick）
type Reconciler struct {
	cfg    ReconcilerConfig
	cache  *poscache.Cache
	source SnapshotSource
	audits AuditSink

	kickSig    *sigchan.Chan
	kickReason string
	kickMu     sync.Mutex

	snapCh  chan *domain.PositionSnapshot
	driftCh chan events.DriftDetectedEvent

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewReconciler 创建对账引擎
func NewReconciler(cfg ReconcilerConfig, cache *poscache.Cache, source SnapshotSource, audits AuditSink) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:     cfg,
		cache:   cache,
		source:  source,
		audits:  audits,
		kickSig: sigchan.New(1),
		snapCh:  make(chan *domain.PositionSnapshot, 64),
		driftCh: make(chan events.DriftDetectedEvent, 16),
		ctx:     ctx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
	}
}

// Drifts 返回漂移事件通道（供控制面消费）
func (r *Reconciler) Drifts() <-chan events.DriftDetectedEvent {
	return r.driftCh
}

// Kick 请求一次立即全量对账（流缺口补偿等场景）
// 非阻塞：对账已在排队时重复请求被合并，只保留最新的原因
func (r *Reconciler) Kick(reason string) {
	r.kickMu.Lock()
	r.kickReason = reason
	r.kickMu.Unlock()
	r.kickSig.Emit()
}

// Submit 投递一条私有流推来的仓位快照
// 非阻塞：引擎繁忙时丢弃（随后定时对账会覆盖）
func (r *Reconciler) Submit(snap *domain.PositionSnapshot) {
	select {
	case r.snapCh <- snap:
	default:
		reconcilerLog.Debug("快照队列已满，等待定时对账覆盖")
	}
}

// Start 启动对账循环
func (r *Reconciler) Start(ctx context.Context) {
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	go r.loop()
}

// Stop 停止对账循环
func (r *Reconciler) Stop() {
	r.cancel()
	select {
	case <-r.doneCh:
	case <-time.After(5 * time.Second):
		reconcilerLog.Warn("对账循环退出超时")
	}
}

func (r *Reconciler) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(r.ctx); err != nil {
				metrics.ReconcileErrors.Add(1)
				reconcilerLog.Errorf("定时对账失败: %v", err)
			}
		case <-r.kickSig.C():
			r.kickMu.Lock()
			reason := r.kickReason
			r.kickMu.Unlock()
			reconcilerLog.Infof("触发补偿对账: %s", reason)
			if err := r.RunOnce(r.ctx); err != nil {
				metrics.ReconcileErrors.Add(1)
				reconcilerLog.Errorf("补偿对账失败: %v", err)
			}
		case snap := <-r.snapCh:
			r.reconcileSnapshot(r.ctx, snap)
		}
	}
}

// RunOnce 执行一轮全量对账
// 拉取交易所全部非零仓位；缓存里持有但交易所未报告的 symbol 视为已平仓（size=0）
func (r *Reconciler) RunOnce(ctx context.Context) error {
	metrics.ReconcileRuns.Add(1)

	snapshots, err := r.source.FetchPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch venue snapshots")
	}

	bySymbol := make(map[string]*domain.PositionSnapshot, len(snapshots))
	for _, snap := range snapshots {
		bySymbol[snap.Symbol] = snap
	}

	keys, err := r.cache.Keys()
	if err != nil {
		return errors.Wrap(err, "list cache keys")
	}
	now := time.Now()
	for _, key := range keys {
		symbol := key[1]
		if _, ok := bySymbol[symbol]; ok {
			continue
		}
		// 交易所只报告非零仓位，缺失即为已平
		bySymbol[symbol] = &domain.PositionSnapshot{
			Symbol:    symbol,
			Size:      decimal.Zero,
			AvgPrice:  decimal.Zero,
			Timestamp: now,
		}
	}

	for _, snap := range bySymbol {
		r.reconcileSnapshot(ctx, snap)
	}
	return nil
}

// reconcileSnapshot 对账一条快照
// 快照未携带 agent 时（交易所账户级推送）：该 symbol 在缓存中
// 恰有一个持有者则归因给它；多个持有者则只校验聚合值，无法定位
// 漂移到具体 agent，记审计但不覆盖
func (r *Reconciler) reconcileSnapshot(ctx context.Context, snap *domain.PositionSnapshot) {
	if snap == nil {
		return
	}

	if snap.AgentID != "" {
		r.reconcileKey(ctx, snap.AgentID, snap)
		return
	}

	holders, err := r.cache.Holders(snap.Symbol)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		reconcilerLog.Errorf("查询 %s 持有者失败: %v", snap.Symbol, err)
		return
	}

	switch len(holders) {
	case 0:
		if !snap.Size.IsZero() {
			// 交易所有仓位而缓存一无所知：整个部署只配置了一个代理时
			// 可以安全归因，否则只能归到 unknown 名下
			agentID := domain.AttributionReasonUnknown
			if len(r.cfg.Agents) == 1 {
				agentID = r.cfg.Agents[0]
			}
			r.reconcileKey(ctx, agentID, snap)
		}
	case 1:
		r.reconcileKey(ctx, holders[0], snap)
	default:
		r.reconcileAggregate(ctx, holders, snap)
	}
}

// reconcileKey 对账单个 (agent, symbol) 键
func (r *Reconciler) reconcileKey(ctx context.Context, agentID string, snap *domain.PositionSnapshot) {
	var audit *domain.DriftAudit

	err := r.cache.Update(agentID, snap.Symbol, func(entry *domain.PositionEntry) bool {
		drift := entry.Size.Sub(snap.Size).Abs()
		if drift.LessThanOrEqual(r.cfg.Epsilon) {
			entry.MarkReconciled(snap.Timestamp)
			return true
		}

		audit = r.newAudit(agentID, entry, snap, drift)
		entry.Override(snap.Size, snap.AvgPrice, snap.Timestamp)
		return true
	})
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		reconcilerLog.Errorf("对账 %s:%s 缓存写入失败: %v", agentID, snap.Symbol, err)
		return
	}

	if audit != nil {
		r.recordDrift(ctx, audit)
	}
}

// reconcileAggregate 多持有者场景：校验各 agent 仓位之和
// 聚合一致则全部标记对账通过；不一致只记审计（无法判定归属，不覆盖任何条目）
func (r *Reconciler) reconcileAggregate(ctx context.Context, holders []string, snap *domain.PositionSnapshot) {
	total := decimal.Zero
	for _, agentID := range holders {
		entry, ok, err := r.cache.Get(agentID, snap.Symbol)
		if err != nil {
			metrics.ReconcileErrors.Add(1)
			reconcilerLog.Errorf("读取 %s:%s 失败: %v", agentID, snap.Symbol, err)
			return
		}
		if ok {
			total = total.Add(entry.Size)
		}
	}

	drift := total.Sub(snap.Size).Abs()
	if drift.LessThanOrEqual(r.cfg.Epsilon) {
		for _, agentID := range holders {
			err := r.cache.Update(agentID, snap.Symbol, func(entry *domain.PositionEntry) bool {
				entry.MarkReconciled(snap.Timestamp)
				return true
			})
			if err != nil {
				reconcilerLog.Errorf("标记 %s:%s 对账通过失败: %v", agentID, snap.Symbol, err)
			}
		}
		return
	}

	reconcilerLog.Warnf("symbol %s 聚合漂移 %s（持有者 %d 个），无法定位到具体 agent",
		snap.Symbol, drift.String(), len(holders))
	audit := &domain.DriftAudit{
		ID:           uuid.NewString(),
		AgentID:      "",
		Symbol:       snap.Symbol,
		CacheSize:    total,
		VenueSize:    snap.Size,
		VenueAvg:     snap.AvgPrice,
		Magnitude:    drift,
		Severity:     r.severity(drift),
		SnapshotTime: snap.Timestamp,
		CreatedAt:    time.Now(),
	}
	r.recordDrift(ctx, audit)
}

func (r *Reconciler) newAudit(agentID string, entry *domain.PositionEntry, snap *domain.PositionSnapshot, drift decimal.Decimal) *domain.DriftAudit {
	return &domain.DriftAudit{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Symbol:       snap.Symbol,
		CacheSize:    entry.Size,
		VenueSize:    snap.Size,
		CacheAvg:     entry.AvgPrice,
		VenueAvg:     snap.AvgPrice,
		Magnitude:    drift,
		Severity:     r.severity(drift),
		SnapshotTime: snap.Timestamp,
		CreatedAt:    time.Now(),
	}
}

func (r *Reconciler) severity(drift decimal.Decimal) domain.DriftSeverity {
	if drift.GreaterThan(r.cfg.AlertThreshold) {
		return domain.DriftSeverityAlert
	}
	return domain.DriftSeverityInfo
}

// recordDrift 落审计并对外广播
func (r *Reconciler) recordDrift(ctx context.Context, audit *domain.DriftAudit) {
	metrics.DriftCorrected.Add(1)
	if audit.Severity == domain.DriftSeverityAlert {
		metrics.DriftAlerts.Add(1)
	}
	reconcilerLog.Warnf("漂移已修正 %s:%s cache=%s venue=%s 幅度=%s 级别=%s",
		audit.AgentID, audit.Symbol, audit.CacheSize.String(), audit.VenueSize.String(),
		audit.Magnitude.String(), audit.Severity)

	if err := r.audits.InsertDriftAudit(ctx, audit); err != nil {
		reconcilerLog.Errorf("审计记录写入失败: %v", err)
	}

	ev := events.DriftDetectedEvent{Audit: audit, Timestamp: time.Now()}
	select {
	case r.driftCh <- ev:
	default:
	}
}
