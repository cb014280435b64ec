package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionEntry 实时仓位缓存条目，键为 (agent_id, symbol)
// 仅允许 Cache Updater 和 Reconciliation Engine 写入，其余组件只读
type PositionEntry struct {
	AgentID        string          `json:"agent_id"`
	Symbol         string          `json:"symbol"`
	Size           decimal.Decimal `json:"size"`            // 带符号仓位：正为多头，负为空头
	AvgPrice       decimal.Decimal `json:"avg_price"`       // 成交量加权平均入场价
	LastUpdate     time.Time       `json:"last_update"`     // 最近一次缓存更新时间（本地）
	LastExecTime   time.Time       `json:"last_exec_time"`  // 最近一次已入账成交的交易所时间
	LastReconciled time.Time       `json:"last_reconciled"` // 最近一次对账通过/修正的快照时间
	OutOfOrder     bool            `json:"out_of_order"`    // 检测到乱序成交（下次对账时清除）
}

// NewPositionEntry 创建空仓位条目
func NewPositionEntry(agentID, symbol string) *PositionEntry {
	return &PositionEntry{
		AgentID:  agentID,
		Symbol:   symbol,
		Size:     decimal.Zero,
		AvgPrice: decimal.Zero,
	}
}

// Key 返回缓存键，格式 position:{agent_id}:{symbol}
func (p *PositionEntry) Key() string {
	return PositionCacheKey(p.AgentID, p.Symbol)
}

// PositionCacheKey 拼接仓位缓存键
func PositionCacheKey(agentID, symbol string) string {
	return "position:" + agentID + ":" + symbol
}

// IsFlat 检查是否空仓
func (p *PositionEntry) IsFlat() bool {
	return p.Size.IsZero()
}

// ApplyFill 应用一笔已入账的成交增量
// signedQty: 带符号成交数量；price: 成交价格
// 加仓（仓位绝对值变大且方向不变）时按成交量加权更新平均价；
// 减仓时平均价保持不变；穿越零点反向时，剩余仓位以本次成交价作为新的平均价
func (p *PositionEntry) ApplyFill(signedQty, price decimal.Decimal) {
	if signedQty.IsZero() {
		return
	}

	oldSize := p.Size
	newSize := oldSize.Add(signedQty)

	switch {
	case oldSize.IsZero():
		// 开仓
		p.AvgPrice = price
	case oldSize.Sign() == signedQty.Sign():
		// 同方向加仓：VWAP = (|old|*avg + |delta|*price) / |new|
		oldAbs := oldSize.Abs()
		deltaAbs := signedQty.Abs()
		notional := oldAbs.Mul(p.AvgPrice).Add(deltaAbs.Mul(price))
		p.AvgPrice = notional.Div(oldAbs.Add(deltaAbs))
	case newSize.IsZero():
		// 完全平仓
		p.AvgPrice = decimal.Zero
	case oldSize.Sign() != newSize.Sign():
		// 反向穿越：剩余部分相当于以本次成交价新开仓
		p.AvgPrice = price
	default:
		// 普通减仓：平均价不变
	}

	p.Size = newSize
}

// MarkReconciled 记录对账通过/修正，并清除乱序标记
func (p *PositionEntry) MarkReconciled(snapshotTime time.Time) {
	p.LastReconciled = snapshotTime
	p.OutOfOrder = false
}

// Override 用交易所快照覆盖缓存值（对账修正，账本不动）
func (p *PositionEntry) Override(size, avgPrice decimal.Decimal, snapshotTime time.Time) {
	p.Size = size
	p.AvgPrice = avgPrice
	p.LastUpdate = time.Now()
	p.MarkReconciled(snapshotTime)
}
