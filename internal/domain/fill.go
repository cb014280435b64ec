package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 成交方向
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// IsValid 检查方向是否合法
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide 解析交易所侧的方向字符串（大小写不敏感）
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", raw)
	}
}

// AttributionReasonUnknown 归因解析失败时的兜底 reason
const AttributionReasonUnknown = "unknown"

// Attribution 订单归因信息，从 client_order_id 解析得到
// 约定格式: "{agent_id}:{reason}:{nonce}"，例如 "momentum_001:take_profit:1700000000"
// 解析失败时 reason 回退为 "unknown"，原始字符串保留在 Raw 中，事件照常入账
type Attribution struct {
	AgentID string // 交易代理 ID
	Reason  string // 下单原因（entry / take_profit / trailing_stop 等）
	Nonce   string // 去重随机数（通常是下单时间戳）
	Raw     string // 原始 client_order_id，始终保留
}

// ParseClientOrderID 解析 client_order_id 提取归因信息
// 格式不符合约定时不报错，回退为 unknown（归因失败绝不能阻断成交入账）
func ParseClientOrderID(clientOrderID string) Attribution {
	raw := clientOrderID
	parts := strings.SplitN(clientOrderID, ":", 3)
	if len(parts) >= 2 && strings.TrimSpace(parts[0]) != "" && strings.TrimSpace(parts[1]) != "" {
		a := Attribution{
			AgentID: parts[0],
			Reason:  parts[1],
			Raw:     raw,
		}
		if len(parts) == 3 {
			a.Nonce = parts[2]
		}
		return a
	}
	return Attribution{
		AgentID: AttributionReasonUnknown,
		Reason:  AttributionReasonUnknown,
		Raw:     raw,
	}
}

// Fill 成交领域模型（执行事件）
// 代表交易所推送的一次真实成交，构造后不可变
// ExecID 是幂等键：无论 at-least-once 流重复投递多少次，账本里只会有一行
type Fill struct {
	ExecID        string          // 交易所成交 ID（幂等键）
	OrderID       string          // 交易所订单 ID
	ClientOrderID string          // 客户端订单 ID（编码归因信息）
	Attribution   Attribution     // 解析后的归因
	Symbol        string          // 交易对，例如 BTCUSDT
	Side          Side            // 成交方向
	Price         decimal.Decimal // 成交价格
	Qty           decimal.Decimal // 成交数量（正数）
	Commission    decimal.Decimal // 手续费（缺失时为 0）
	ExecTime      time.Time       // 交易所成交时间
	ReceivedAt    time.Time       // 本地接收时间
}

// AgentID 返回归因的代理 ID
func (f *Fill) AgentID() string {
	return f.Attribution.AgentID
}

// SignedQty 返回带符号的成交数量：买入为正，卖出为负
func (f *Fill) SignedQty() decimal.Decimal {
	if f.Side == SideSell {
		return f.Qty.Neg()
	}
	return f.Qty
}

// Key 返回成交的唯一键（用于去重）
func (f *Fill) Key() string {
	return f.ExecID
}

// PositionKey 返回成交归属的仓位键 (agent_id, symbol)
func (f *Fill) PositionKey() string {
	return f.Attribution.AgentID + ":" + f.Symbol
}
