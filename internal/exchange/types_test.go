package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeStatusFullFillWins(t *testing.T) {
	// A fully filled order is filled no matter what the venue says.
	for _, raw := range []string{"NEW", "PARTIALLY_FILLED", "CANCELED", "EXPIRED", "whatever"} {
		got := NormalizeStatus(raw, decimal.NewFromInt(1), decimal.NewFromInt(1))
		if got != StatusFilled {
			t.Errorf("NormalizeStatus(%q, full fill) = %s, want filled", raw, got)
		}
	}
}

func TestNormalizeStatusMapping(t *testing.T) {
	cases := map[string]OrderStatus{
		"NEW":              StatusOpen,
		"PARTIALLY_FILLED": StatusPartiallyFilled,
		"FILLED":           StatusFilled,
		"CANCELED":         StatusCanceled,
		"CANCELLED":        StatusCanceled,
		"REJECTED":         StatusRejected,
		"EXPIRED":          StatusExpired,
		"EXPIRED_IN_MATCH": StatusExpired,
		"SOMETHING_NEW":    StatusPending,
	}
	half := decimal.NewFromFloat(0.5)
	one := decimal.NewFromInt(1)
	for raw, want := range cases {
		if got := NormalizeStatus(raw, half, one); got != want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestInferPositionSide(t *testing.T) {
	cases := []struct {
		side       Side
		reduceOnly bool
		want       string
	}{
		{SideBuy, false, "LONG"},
		{SideSell, false, "SHORT"},
		{SideBuy, true, "SHORT"}, // reduce-only buy closes a short
		{SideSell, true, "LONG"}, // reduce-only sell closes a long
	}
	for _, tc := range cases {
		if got := InferPositionSide(tc.side, tc.reduceOnly); got != tc.want {
			t.Errorf("InferPositionSide(%s, %v) = %s, want %s", tc.side, tc.reduceOnly, got, tc.want)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite does not flip")
	}
}

func TestSymbolConversions(t *testing.T) {
	if got := ToExchangeSymbol("BTC/USDT:USDT"); got != "BTCUSDT" {
		t.Errorf("ToExchangeSymbol = %s, want BTCUSDT", got)
	}
	if got := BaseAsset("BTC/USDT:USDT"); got != "BTC" {
		t.Errorf("BaseAsset = %s, want BTC", got)
	}
	if got := BaseAsset("ETHUSDT"); got != "ETH" {
		t.Errorf("BaseAsset wire form = %s, want ETH", got)
	}
	if got := BasePair("BTC/USDT:USDT"); got != "BTC/USDT" {
		t.Errorf("BasePair = %s, want BTC/USDT", got)
	}
	if got := FromExchangeSymbol("BTCUSDT"); got != "BTC/USDT:USDT" {
		t.Errorf("FromExchangeSymbol = %s, want BTC/USDT:USDT", got)
	}
	// Round trip.
	for _, sym := range []string{"BTC/USDT:USDT", "ETH/USDT:USDT", "SOL/USDT:USDT"} {
		if got := FromExchangeSymbol(ToExchangeSymbol(sym)); got != sym {
			t.Errorf("round trip %s -> %s", sym, got)
		}
	}
}

func TestIsProtective(t *testing.T) {
	protective := []Order{
		{Type: OrderTypeStopMarket},
		{Type: OrderTypeStopLimit},
		{Type: OrderTypeTakeProfitMarket},
		{Type: OrderTypeTakeProfitLimit},
		{Type: OrderTypeLimit, ClosePosition: true},
	}
	for i := range protective {
		if !protective[i].IsProtective() {
			t.Errorf("order %d (%s) not protective", i, protective[i].Type)
		}
	}
	plain := Order{Type: OrderTypeMarket}
	if plain.IsProtective() {
		t.Error("plain market order reported protective")
	}
}
