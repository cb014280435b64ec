package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot 交易所上报的仓位快照（对账输入，只读）
// 对「当前仓位」而言快照是权威事实；账本只对「历史成交」负责
// 两者允许短暂分歧，由对账引擎单向收敛（快照修正缓存，绝不反向）
type PositionSnapshot struct {
	AgentID   string          // 代理 ID（私有流推送的快照可能为空，见 reconciler）
	Symbol    string          // 交易对
	Size      decimal.Decimal // 权威带符号仓位
	AvgPrice  decimal.Decimal // 权威平均入场价
	Timestamp time.Time       // 快照时间（作为缓存 last_reconciled 的版本号）
}

// DriftSeverity 漂移严重级别
type DriftSeverity string

const (
	DriftSeverityInfo  DriftSeverity = "info"  // 常规漂移，已自动修正
	DriftSeverityAlert DriftSeverity = "alert" // 超过告警阈值，需要运维关注
)

// DriftAudit 漂移审计记录
// 缓存与交易所快照出现分歧并被修正时生成一条，供控制面消费；本服务只产出数据，不推送告警
type DriftAudit struct {
	ID           string          // 审计记录 ID
	AgentID      string          // 代理 ID
	Symbol       string          // 交易对
	CacheSize    decimal.Decimal // 修正前的缓存仓位
	VenueSize    decimal.Decimal // 交易所权威仓位（修正后的值）
	CacheAvg     decimal.Decimal // 修正前的缓存平均价
	VenueAvg     decimal.Decimal // 交易所权威平均价
	Magnitude    decimal.Decimal // 漂移幅度 |cache - venue|
	Severity     DriftSeverity   // 严重级别
	SnapshotTime time.Time       // 触发修正的快照时间
	CreatedAt    time.Time       // 记录生成时间
}

// OrderStatus 订单状态枚举（订单生命周期流）
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// ParseOrderStatus 解析交易所订单状态，未知状态返回 false
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch raw {
	case "New", "Created", "Untriggered":
		return OrderStatusNew, true
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled, true
	case "Filled":
		return OrderStatusFilled, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return OrderStatusCancelled, true
	case "Rejected":
		return OrderStatusRejected, true
	default:
		return "", false
	}
}

// OrderUpdate 订单生命周期更新
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Attribution   Attribution
	Symbol        string
	Side          Side
	OrderType     string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	CumExecQty    decimal.Decimal
	Status        OrderStatus
	UpdatedAt     time.Time
}
