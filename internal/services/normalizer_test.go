package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/fillsync/internal/domain"
	"github.com/betbot/fillsync/internal/events"
	"github.com/betbot/fillsync/internal/infrastructure/websocket"
)

func execFrame(t *testing.T, rows string) *websocket.RawFrame {
	t.Helper()
	return &websocket.RawFrame{
		Topic:      "execution",
		Data:       json.RawMessage(rows),
		ReceivedAt: time.Now(),
	}
}

func TestNormalize_Execution(t *testing.T) {
	n := NewNormalizer()

	frame := execFrame(t, `[{
		"execId": "exec-1",
		"orderId": "ord-1",
		"orderLinkId": "a1:entry:1000",
		"symbol": "BTCUSDT",
		"side": "Sell",
		"execPrice": "45000",
		"execQty": "0.1",
		"execFee": "2.25",
		"execTime": "1756400000000"
	}]`)

	out := n.Normalize(frame)
	if len(out) != 1 {
		t.Fatalf("events = %d, want 1", len(out))
	}
	ev, ok := out[0].(events.ExecutionEvent)
	if !ok {
		t.Fatalf("unexpected event type %T", out[0])
	}
	f := ev.Fill
	if f.ExecID != "exec-1" || f.Symbol != "BTCUSDT" || f.Side != domain.SideSell {
		t.Fatalf("unexpected fill: %+v", f)
	}
	if !f.Price.Equal(decimal.RequireFromString("45000")) || !f.Qty.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("price=%s qty=%s", f.Price, f.Qty)
	}
	if !f.Commission.Equal(decimal.RequireFromString("2.25")) {
		t.Fatalf("commission = %s", f.Commission)
	}
	if f.Attribution.AgentID != "a1" || f.Attribution.Reason != "entry" {
		t.Fatalf("attribution = %+v", f.Attribution)
	}
	if !f.SignedQty().Equal(decimal.RequireFromString("-0.1")) {
		t.Fatalf("signed qty = %s", f.SignedQty())
	}
	if f.ExecTime.UnixMilli() != 1756400000000 {
		t.Fatalf("exec time = %v", f.ExecTime)
	}
}

func TestNormalize_TopicSuffix(t *testing.T) {
	n := NewNormalizer()
	frame := execFrame(t, `[{
		"execId": "exec-2", "symbol": "BTCUSDT", "side": "Buy",
		"execPrice": "45000", "execQty": "0.1"
	}]`)
	frame.Topic = "execution.linear"

	if out := n.Normalize(frame); len(out) != 1 {
		t.Fatalf("带后缀主题应照常路由, got %d events", len(out))
	}
}

func TestNormalize_MalformedRowDropped(t *testing.T) {
	n := NewNormalizer()

	// 第一条缺 price，第二条完好：坏行丢弃，好行保留
	frame := execFrame(t, `[
		{"execId": "bad-1", "symbol": "BTCUSDT", "side": "Buy", "execQty": "0.1"},
		{"execId": "good-1", "symbol": "BTCUSDT", "side": "Buy", "execPrice": "45000", "execQty": "0.1"}
	]`)

	out := n.Normalize(frame)
	if len(out) != 1 {
		t.Fatalf("events = %d, want 1", len(out))
	}
	if out[0].(events.ExecutionEvent).Fill.ExecID != "good-1" {
		t.Fatalf("保留的应是 good-1")
	}
}

func TestNormalize_CommissionDefaultsZero(t *testing.T) {
	n := NewNormalizer()
	frame := execFrame(t, `[{
		"execId": "exec-3", "symbol": "BTCUSDT", "side": "Buy",
		"execPrice": "45000", "execQty": "0.1"
	}]`)

	out := n.Normalize(frame)
	if len(out) != 1 {
		t.Fatalf("events = %d", len(out))
	}
	if !out[0].(events.ExecutionEvent).Fill.Commission.IsZero() {
		t.Fatal("缺省手续费应为 0")
	}
}

func TestNormalize_MalformedAttributionStillProcessed(t *testing.T) {
	n := NewNormalizer()
	frame := execFrame(t, `[{
		"execId": "exec-4", "orderLinkId": "garbage",
		"symbol": "BTCUSDT", "side": "Buy", "execPrice": "45000", "execQty": "0.1"
	}]`)

	out := n.Normalize(frame)
	if len(out) != 1 {
		t.Fatal("归因失败不能丢事件")
	}
	f := out[0].(events.ExecutionEvent).Fill
	if f.Attribution.Reason != domain.AttributionReasonUnknown {
		t.Fatalf("reason = %q, want unknown", f.Attribution.Reason)
	}
	if f.Attribution.Raw != "garbage" {
		t.Fatalf("raw = %q", f.Attribution.Raw)
	}
}

func TestNormalize_Order(t *testing.T) {
	n := NewNormalizer()
	frame := &websocket.RawFrame{
		Topic: "order",
		Data: json.RawMessage(`[{
			"orderId": "ord-9", "orderLinkId": "a1:entry:5",
			"symbol": "BTCUSDT", "side": "Buy", "orderStatus": "PartiallyFilled",
			"qty": "0.2", "price": "45000", "cumExecQty": "0.1",
			"updatedTime": "1756400000000"
		}]`),
		ReceivedAt: time.Now(),
	}

	out := n.Normalize(frame)
	if len(out) != 1 {
		t.Fatalf("events = %d", len(out))
	}
	ev := out[0].(events.OrderStatusEvent)
	if ev.Order.Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("status = %s", ev.Order.Status)
	}
	if ev.Order.Attribution.AgentID != "a1" {
		t.Fatalf("attribution = %+v", ev.Order.Attribution)
	}
}

func TestNormalize_PositionSnapshot(t *testing.T) {
	n := NewNormalizer()
	frame := &websocket.RawFrame{
		Topic: "position",
		Data: json.RawMessage(`[{
			"symbol": "BTCUSDT", "side": "Sell", "size": "0.12",
			"avgPrice": "44980", "updatedTime": "1756400000000"
		}]`),
		ReceivedAt: time.Now(),
	}

	out := n.Normalize(frame)
	if len(out) != 1 {
		t.Fatalf("events = %d", len(out))
	}
	snap := out[0].(events.PositionSnapshotEvent).Snapshot
	// 交易所 side+无符号 size → 带符号 size
	if !snap.Size.Equal(decimal.RequireFromString("-0.12")) {
		t.Fatalf("size = %s, want -0.12", snap.Size)
	}
	if snap.AgentID != "" {
		t.Fatalf("账户级快照不应携带 agent, got %q", snap.AgentID)
	}
}

func TestNormalize_UnknownTopic(t *testing.T) {
	n := NewNormalizer()
	frame := &websocket.RawFrame{
		Topic:      "wallet",
		Data:       json.RawMessage(`[{}]`),
		ReceivedAt: time.Now(),
	}
	if out := n.Normalize(frame); out != nil {
		t.Fatalf("未知主题应被忽略, got %v", out)
	}
}
