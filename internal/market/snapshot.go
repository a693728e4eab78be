package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/database"
)

// Snapshot is the per-symbol market-data section consumed by the decision
// prompts. Price is exact; indicator values are analytic floats.
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`

	RSI14    float64 `json:"rsi_14"`
	RSITag   string  `json:"rsi_tag"` // overbought, oversold, neutral
	MACD     float64 `json:"macd"`
	MACDSig  float64 `json:"macd_signal"`
	MACDHist float64 `json:"macd_histogram"`
	MACDTag  string  `json:"macd_tag"` // 金叉 / 死叉

	MA20     float64 `json:"ma_20"`
	MA50     float64 `json:"ma_50"`
	TrendTag string  `json:"trend_tag"` // up, down, flat

	BollUpper   float64 `json:"boll_upper"`
	BollMiddle  float64 `json:"boll_middle"`
	BollLower   float64 `json:"boll_lower"`
	BollTag     string  `json:"boll_tag"` // inside, above_upper, below_lower
	ATR14       float64 `json:"atr_14"`
	ADX14       float64 `json:"adx_14"`
	ADXStrength string  `json:"adx_strength"` // none, weak, strong, very_strong
	ADXDir      string  `json:"adx_direction"`
	Volatility  string  `json:"volatility"` // low, medium, high, extreme from ATR/price
}

// BuildSnapshot computes a snapshot from klines ordered oldest-first. At
// least 60 bars are needed for the full indicator set.
func BuildSnapshot(symbol, timeframe string, klines []database.Kline) (*Snapshot, error) {
	if len(klines) < 60 {
		return nil, fmt.Errorf("market: %s %s: need >= 60 klines, have %d", symbol, timeframe, len(klines))
	}
	n := len(klines)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close.InexactFloat64()
		highs[i] = k.High.InexactFloat64()
		lows[i] = k.Low.InexactFloat64()
	}
	last := klines[n-1]
	price := last.Close

	s := &Snapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		Price:     price,
		Timestamp: last.Timestamp,
		RSI14:     RSI(closes, 14),
		MA20:      SMA(closes, 20),
		MA50:      SMA(closes, 50),
		ATR14:     ATR(highs, lows, closes, 14),
	}

	switch {
	case s.RSI14 >= 70:
		s.RSITag = "overbought"
	case s.RSI14 <= 30:
		s.RSITag = "oversold"
	default:
		s.RSITag = "neutral"
	}

	macd := MACD(closes)
	s.MACD, s.MACDSig, s.MACDHist = macd.MACD, macd.Signal, macd.Histogram
	if macd.Histogram >= 0 {
		s.MACDTag = "金叉"
	} else {
		s.MACDTag = "死叉"
	}

	switch {
	case s.MA20 > s.MA50:
		s.TrendTag = "up"
	case s.MA20 < s.MA50:
		s.TrendTag = "down"
	default:
		s.TrendTag = "flat"
	}

	boll := Bollinger(closes, 20, 2)
	s.BollUpper, s.BollMiddle, s.BollLower = boll.Upper, boll.Middle, boll.Lower
	lastClose := closes[n-1]
	switch {
	case lastClose > boll.Upper:
		s.BollTag = "above_upper"
	case lastClose < boll.Lower:
		s.BollTag = "below_lower"
	default:
		s.BollTag = "inside"
	}

	adx := ADX(highs, lows, closes, 14)
	s.ADX14 = adx.ADX
	switch {
	case math.IsNaN(adx.ADX) || adx.ADX < 20:
		s.ADXStrength = "none"
	case adx.ADX < 40:
		s.ADXStrength = "weak"
	case adx.ADX < 60:
		s.ADXStrength = "strong"
	default:
		s.ADXStrength = "very_strong"
	}
	if adx.PlusDI >= adx.MinusDI {
		s.ADXDir = "up"
	} else {
		s.ADXDir = "down"
	}

	s.Volatility = volatilityBucket(s.ATR14, lastClose)
	return s, nil
}

func volatilityBucket(atr, price float64) string {
	if price <= 0 || math.IsNaN(atr) {
		return "medium"
	}
	ratio := atr / price
	switch {
	case ratio < 0.01:
		return "low"
	case ratio < 0.03:
		return "medium"
	case ratio < 0.06:
		return "high"
	default:
		return "extreme"
	}
}

// Provider serves snapshots to the decision layers, reading through the
// cache with a database fallback.
type Provider struct {
	repo       *database.Repository
	store      *cache.Store
	exchangeID int64
}

// NewProvider builds a snapshot provider over the kline store.
func NewProvider(repo *database.Repository, store *cache.Store, exchangeID int64) *Provider {
	return &Provider{repo: repo, store: store, exchangeID: exchangeID}
}

// Get returns the snapshot for one symbol and timeframe, from cache when
// fresh, otherwise computed from stored klines and written back.
func (p *Provider) Get(ctx context.Context, symbol, timeframe string) (*Snapshot, error) {
	key := cache.MarketContextKey(symbol + ":" + timeframe)
	if p.store != nil {
		var cached Snapshot
		if err := p.store.GetJSON(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	klines, err := p.repo.GetKlines(ctx, p.exchangeID, symbol, timeframe, 120)
	if err != nil {
		return nil, err
	}
	snap, err := BuildSnapshot(symbol, timeframe, klines)
	if err != nil {
		return nil, err
	}
	if p.store != nil {
		_ = p.store.SetJSON(ctx, key, snap, cache.MarketContextTTL)
	}
	return snap, nil
}

// GetAll returns snapshots for the given symbols, skipping symbols whose
// data is too thin. The error from the last failure is returned only when
// nothing succeeded.
func (p *Provider) GetAll(ctx context.Context, symbols []string, timeframe string) (map[string]*Snapshot, error) {
	out := make(map[string]*Snapshot, len(symbols))
	var lastErr error
	for _, sym := range symbols {
		snap, err := p.Get(ctx, sym, timeframe)
		if err != nil {
			lastErr = err
			continue
		}
		out[sym] = snap
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
