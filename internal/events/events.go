package events

import (
	"time"

	"github.com/betbot/fillsync/internal/domain"
)

// ExecutionEvent 成交事件（归一化后）
// 这是整条流水线的核心事件：入账本 + 更新仓位缓存
type ExecutionEvent struct {
	Fill       *domain.Fill
	ReceivedAt time.Time
}

// OrderStatusEvent 订单状态事件
type OrderStatusEvent struct {
	Order      *domain.OrderUpdate
	ReceivedAt time.Time
}

// PositionSnapshotEvent 交易所仓位快照事件（触发对账）
type PositionSnapshotEvent struct {
	Snapshot   *domain.PositionSnapshot
	ReceivedAt time.Time
}

// StreamGapEvent 流中断标记
// 连接重建并完成重订阅后发出，提示下游「中间可能有事件缺口」
// 流水线收到后会触发一次严格对账补偿
type StreamGapEvent struct {
	Reason    string
	Timestamp time.Time
}

// ConnStateEvent 连接状态变迁事件（供控制面消费）
type ConnStateEvent struct {
	From      string
	To        string
	Err       string // 触发变迁的错误信息（可为空）
	Timestamp time.Time
}

// DriftDetectedEvent 漂移检测事件
// 注意：漂移不是错误，是预期内、已记录、可修正的状态
type DriftDetectedEvent struct {
	Audit     *domain.DriftAudit
	Timestamp time.Time
}

// KeyPipelineFatalEvent 某个 (agent, symbol) 键的流水线致命错误
// 重试缓冲溢出时发出：宁可大声失败，也不静默丢失顺序或耗尽内存
type KeyPipelineFatalEvent struct {
	AgentID   string
	Symbol    string
	Err       string
	Timestamp time.Time
}
