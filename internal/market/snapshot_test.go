package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/database"
)

// klineSeries builds n hourly bars whose close follows fn(i).
func klineSeries(n int, fn func(i int) float64) []database.Kline {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]database.Kline, n)
	for i := 0; i < n; i++ {
		c := fn(i)
		out[i] = database.Kline{
			ExchangeID: 1,
			Symbol:     "BTC/USDT:USDT",
			Timeframe:  "1h",
			Timestamp:  start.Add(time.Duration(i) * time.Hour),
			Open:       decimal.NewFromFloat(c * 0.999),
			High:       decimal.NewFromFloat(c * 1.002),
			Low:        decimal.NewFromFloat(c * 0.998),
			Close:      decimal.NewFromFloat(c),
			Volume:     decimal.NewFromInt(100),
		}
	}
	return out
}

func TestBuildSnapshotNeedsEnoughBars(t *testing.T) {
	klines := klineSeries(59, func(i int) float64 { return 100 })
	if _, err := BuildSnapshot("BTC/USDT:USDT", "1h", klines); err == nil {
		t.Fatal("59 bars accepted, want error")
	}
}

func TestBuildSnapshotUptrend(t *testing.T) {
	klines := klineSeries(120, func(i int) float64 { return 50000 + float64(i)*100 })
	s, err := BuildSnapshot("BTC/USDT:USDT", "1h", klines)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if s.Symbol != "BTC/USDT:USDT" || s.Timeframe != "1h" {
		t.Errorf("identity fields wrong: %+v", s)
	}
	if !s.Price.Equal(klines[len(klines)-1].Close) {
		t.Errorf("price = %s, want last close %s", s.Price, klines[len(klines)-1].Close)
	}
	if s.RSITag != "overbought" {
		t.Errorf("rsi_tag = %s on a monotone uptrend, want overbought", s.RSITag)
	}
	if s.TrendTag != "up" {
		t.Errorf("trend_tag = %s, want up", s.TrendTag)
	}
	if s.MACDTag != "金叉" {
		t.Errorf("macd_tag = %s, want 金叉", s.MACDTag)
	}
	if s.ADXDir != "up" {
		t.Errorf("adx_direction = %s, want up", s.ADXDir)
	}
}

func TestBuildSnapshotDowntrend(t *testing.T) {
	klines := klineSeries(120, func(i int) float64 { return 50000 - float64(i)*100 })
	s, err := BuildSnapshot("BTC/USDT:USDT", "1h", klines)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if s.RSITag != "oversold" {
		t.Errorf("rsi_tag = %s on a monotone downtrend, want oversold", s.RSITag)
	}
	if s.TrendTag != "down" {
		t.Errorf("trend_tag = %s, want down", s.TrendTag)
	}
	if s.MACDTag != "死叉" {
		t.Errorf("macd_tag = %s, want 死叉", s.MACDTag)
	}
}

func TestVolatilityBuckets(t *testing.T) {
	cases := []struct {
		atr, price float64
		want       string
	}{
		{50, 10000, "low"},      // 0.5%
		{200, 10000, "medium"},  // 2%
		{400, 10000, "high"},    // 4%
		{800, 10000, "extreme"}, // 8%
		{100, 0, "medium"},      // degenerate price
	}
	for _, tc := range cases {
		if got := volatilityBucket(tc.atr, tc.price); got != tc.want {
			t.Errorf("volatilityBucket(%f, %f) = %s, want %s", tc.atr, tc.price, got, tc.want)
		}
	}
}
