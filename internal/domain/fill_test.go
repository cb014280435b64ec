package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseClientOrderID_WellFormed(t *testing.T) {
	a := ParseClientOrderID("bot1:entry:1700000000")
	if a.AgentID != "bot1" {
		t.Fatalf("agent_id = %q, want bot1", a.AgentID)
	}
	if a.Reason != "entry" {
		t.Fatalf("reason = %q, want entry", a.Reason)
	}
	if a.Nonce != "1700000000" {
		t.Fatalf("nonce = %q, want 1700000000", a.Nonce)
	}
	if a.Raw != "bot1:entry:1700000000" {
		t.Fatalf("raw 应保留原始字符串, got %q", a.Raw)
	}
}

func TestParseClientOrderID_TwoParts(t *testing.T) {
	// 没有 nonce 的两段格式也认为合法
	a := ParseClientOrderID("momentum_001:take_profit")
	if a.AgentID != "momentum_001" || a.Reason != "take_profit" || a.Nonce != "" {
		t.Fatalf("unexpected attribution: %+v", a)
	}
}

func TestParseClientOrderID_Malformed(t *testing.T) {
	cases := []string{"garbage", "", ":", "::", ":entry:123", "bot1::"}
	for _, raw := range cases {
		a := ParseClientOrderID(raw)
		if a.Reason != AttributionReasonUnknown {
			t.Fatalf("ParseClientOrderID(%q).Reason = %q, want unknown", raw, a.Reason)
		}
		if a.AgentID != AttributionReasonUnknown {
			t.Fatalf("ParseClientOrderID(%q).AgentID = %q, want unknown", raw, a.AgentID)
		}
		if a.Raw != raw {
			t.Fatalf("raw 必须原样保留: got %q want %q", a.Raw, raw)
		}
	}
}

func TestFill_SignedQty(t *testing.T) {
	buy := &Fill{Side: SideBuy, Qty: decimal.RequireFromString("0.5")}
	if !buy.SignedQty().Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("buy signed qty = %s", buy.SignedQty())
	}
	sell := &Fill{Side: SideSell, Qty: decimal.RequireFromString("0.5")}
	if !sell.SignedQty().Equal(decimal.RequireFromString("-0.5")) {
		t.Fatalf("sell signed qty = %s", sell.SignedQty())
	}
}

func TestParseSide(t *testing.T) {
	if s, err := ParseSide("Buy"); err != nil || s != SideBuy {
		t.Fatalf("ParseSide(Buy) = %v, %v", s, err)
	}
	if s, err := ParseSide("sell"); err != nil || s != SideSell {
		t.Fatalf("ParseSide(sell) = %v, %v", s, err)
	}
	if _, err := ParseSide("hold"); err == nil {
		t.Fatal("ParseSide(hold) 应报错")
	}
}

func TestFill_PositionKey(t *testing.T) {
	f := &Fill{
		Attribution: ParseClientOrderID("a1:entry:1"),
		Symbol:      "BTCUSDT",
	}
	if f.PositionKey() != "a1:BTCUSDT" {
		t.Fatalf("position key = %q", f.PositionKey())
	}
}
