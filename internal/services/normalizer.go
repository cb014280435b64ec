// Package services 包含摄取管线的各个阶段：归一化、路由、落账、缓存更新与对账
package services

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/domain"
	"github.com/betbot/fillsync/internal/events"
	"github.com/betbot/fillsync/internal/infrastructure/websocket"
	"github.com/betbot/fillsync/internal/metrics"
)

var normalizerLog = logrus.WithField("component", "normalizer")

// 交易所主题名
const (
	TopicExecution = "execution"
	TopicOrder     = "order"
	TopicPosition  = "position"
)

// Normalizer 把交易所原始帧翻译为内部事件
// 单条记录解析失败只丢弃该条并计数，不影响同帧内的其它记录
type Normalizer struct{}

// NewNormalizer 创建归一化器
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// execRow 交易所成交回报的线缆格式（数值均为字符串）
type execRow struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
	ExecType    string `json:"execType"`
}

// orderRow 订单状态推送
type orderRow struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	UpdatedTime string `json:"updatedTime"`
}

// positionRow 交易所侧持仓快照（账户级，不携带归因）
type positionRow struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

// Normalize 按主题路由一条原始帧，返回翻译出的事件列表
func (n *Normalizer) Normalize(frame *websocket.RawFrame) []interface{} {
	if frame == nil || len(frame.Data) == 0 {
		return nil
	}
	metrics.FramesReceived.Add(1)

	topic := frame.Topic
	// 主题可能带后缀，如 execution.linear
	if i := strings.IndexByte(topic, '.'); i >= 0 {
		topic = topic[:i]
	}

	switch topic {
	case TopicExecution:
		return n.normalizeExecutions(frame.Data, frame.ReceivedAt)
	case TopicOrder:
		return n.normalizeOrders(frame.Data, frame.ReceivedAt)
	case TopicPosition:
		return n.normalizePositions(frame.Data, frame.ReceivedAt)
	default:
		normalizerLog.Debugf("忽略未知主题 %s", frame.Topic)
		return nil
	}
}

func (n *Normalizer) normalizeExecutions(data json.RawMessage, receivedAt time.Time) []interface{} {
	var rows []execRow
	if err := json.Unmarshal(data, &rows); err != nil {
		metrics.ParseErrors.Add(1)
		normalizerLog.Warnf("成交帧解析失败: %v", err)
		return nil
	}

	out := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		fill, err := n.fillFromRow(row, receivedAt)
		if err != nil {
			metrics.ParseErrors.Add(1)
			normalizerLog.Warnf("丢弃畸形成交记录 exec_id=%q: %v", row.ExecID, err)
			continue
		}
		out = append(out, events.ExecutionEvent{Fill: fill, ReceivedAt: receivedAt})
	}
	return out
}

// fillFromRow 校验并转换单条成交记录
// exec_id、symbol、side、price、qty 缺一不可；手续费缺省为 0
func (n *Normalizer) fillFromRow(row execRow, receivedAt time.Time) (*domain.Fill, error) {
	if row.ExecID == "" {
		return nil, errors.New("missing execId")
	}
	if row.Symbol == "" {
		return nil, errors.New("missing symbol")
	}

	side, err := domain.ParseSide(row.Side)
	if err != nil {
		return nil, err
	}

	price, err := requiredDecimal("execPrice", row.ExecPrice)
	if err != nil {
		return nil, err
	}
	qty, err := requiredDecimal("execQty", row.ExecQty)
	if err != nil {
		return nil, err
	}
	if !qty.IsPositive() {
		return nil, errors.Errorf("non-positive execQty %s", row.ExecQty)
	}

	commission := decimal.Zero
	if row.ExecFee != "" {
		commission, err = decimal.NewFromString(row.ExecFee)
		if err != nil {
			return nil, errors.Wrap(err, "execFee")
		}
	}

	attr := domain.ParseClientOrderID(row.OrderLinkID)
	if attr.AgentID == domain.AttributionReasonUnknown {
		metrics.AttributionMiss.Add(1)
	}

	return &domain.Fill{
		ExecID:        row.ExecID,
		OrderID:       row.OrderID,
		ClientOrderID: row.OrderLinkID,
		Attribution:   attr,
		Symbol:        row.Symbol,
		Side:          side,
		Price:         price,
		Qty:           qty,
		Commission:    commission,
		ExecTime:      parseMillis(row.ExecTime, receivedAt),
		ReceivedAt:    receivedAt,
	}, nil
}

func (n *Normalizer) normalizeOrders(data json.RawMessage, receivedAt time.Time) []interface{} {
	var rows []orderRow
	if err := json.Unmarshal(data, &rows); err != nil {
		metrics.ParseErrors.Add(1)
		normalizerLog.Warnf("订单帧解析失败: %v", err)
		return nil
	}

	out := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		if row.OrderID == "" || row.OrderStatus == "" {
			metrics.ParseErrors.Add(1)
			continue
		}
		status, ok := domain.ParseOrderStatus(row.OrderStatus)
		if !ok {
			normalizerLog.Debugf("忽略未知订单状态 %s", row.OrderStatus)
			continue
		}
		update := domain.OrderUpdate{
			OrderID:       row.OrderID,
			ClientOrderID: row.OrderLinkID,
			Attribution:   domain.ParseClientOrderID(row.OrderLinkID),
			Symbol:        row.Symbol,
			Status:        status,
			UpdatedAt:     parseMillis(row.UpdatedTime, receivedAt),
		}
		if side, err := domain.ParseSide(row.Side); err == nil {
			update.Side = side
		}
		update.Qty, _ = decimal.NewFromString(row.Qty)
		update.Price, _ = decimal.NewFromString(row.Price)
		update.CumExecQty, _ = decimal.NewFromString(row.CumExecQty)
		out = append(out, events.OrderStatusEvent{Order: &update, ReceivedAt: receivedAt})
	}
	return out
}

func (n *Normalizer) normalizePositions(data json.RawMessage, receivedAt time.Time) []interface{} {
	var rows []positionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		metrics.ParseErrors.Add(1)
		normalizerLog.Warnf("持仓帧解析失败: %v", err)
		return nil
	}

	out := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		if row.Symbol == "" {
			metrics.ParseErrors.Add(1)
			continue
		}
		size, err := decimal.NewFromString(row.Size)
		if err != nil {
			metrics.ParseErrors.Add(1)
			normalizerLog.Warnf("丢弃畸形持仓记录 symbol=%s: %v", row.Symbol, err)
			continue
		}
		// 交易所用 side+无符号 size 表达方向
		if strings.EqualFold(row.Side, "Sell") {
			size = size.Neg()
		}
		avg := decimal.Zero
		if row.AvgPrice != "" {
			avg, _ = decimal.NewFromString(row.AvgPrice)
		}
		out = append(out, events.PositionSnapshotEvent{
			Snapshot: &domain.PositionSnapshot{
				Symbol:    row.Symbol,
				Size:      size,
				AvgPrice:  avg,
				Timestamp: parseMillis(row.UpdatedTime, receivedAt),
			},
			ReceivedAt: receivedAt,
		})
	}
	return out
}

// requiredDecimal 解析必填的十进制字符串字段
func requiredDecimal(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, errors.Errorf("missing %s", name)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, name)
	}
	return d, nil
}

// parseMillis 解析毫秒时间戳字符串，失败时退回 fallback
func parseMillis(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms)
}
