// Package market computes technical indicators over cached klines and
// packages them into per-symbol snapshots for the decision layers.
package market

import "math"

// Indicator arithmetic runs on float64: these are analytic values, never
// money. Prices and amounts stay decimal everywhere else.

// SMA returns the simple moving average of the last period values, or NaN
// when the series is too short.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average series seeded with an SMA.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, len(values))
	k := 2.0 / float64(period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	for i := range values {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		if i == period-1 {
			out[i] = seed
			continue
		}
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI computes Wilder's relative strength index for the given period.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if delta > 0 {
			g = delta
		} else {
			l = -delta
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult carries the last MACD line, signal line, and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the 12/26/9 moving average convergence divergence.
func MACD(closes []float64) MACDResult {
	if len(closes) < 35 {
		return MACDResult{MACD: math.NaN(), Signal: math.NaN(), Histogram: math.NaN()}
	}
	fast := EMA(closes, 12)
	slow := EMA(closes, 26)
	diff := make([]float64, 0, len(closes))
	for i := range closes {
		if math.IsNaN(fast[i]) || math.IsNaN(slow[i]) {
			continue
		}
		diff = append(diff, fast[i]-slow[i])
	}
	signal := EMA(diff, 9)
	last := len(diff) - 1
	return MACDResult{
		MACD:      diff[last],
		Signal:    signal[last],
		Histogram: diff[last] - signal[last],
	}
}

// BollingerResult carries the last band values.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes 20-period bands at 2 standard deviations.
func Bollinger(closes []float64, period int, mult float64) BollingerResult {
	if period <= 0 || len(closes) < period {
		return BollingerResult{Upper: math.NaN(), Middle: math.NaN(), Lower: math.NaN()}
	}
	window := closes[len(closes)-period:]
	mid := SMA(closes, period)
	variance := 0.0
	for _, v := range window {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return BollingerResult{Upper: mid + mult*sd, Middle: mid, Lower: mid - mult*sd}
}

// ATR computes Wilder's average true range for the given period.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return math.NaN()
	}
	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		trs = append(trs, tr)
	}
	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

// ADXResult carries the last ADX value and directional indexes.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes Wilder's average directional index with +DI/-DI.
func ADX(highs, lows, closes []float64, period int) ADXResult {
	n := len(closes)
	if period <= 0 || n < 2*period+1 || len(highs) != n || len(lows) != n {
		return ADXResult{ADX: math.NaN(), PlusDI: math.NaN(), MinusDI: math.NaN()}
	}

	var trSum, plusSum, minusSum float64
	trs := make([]float64, n-1)
	plusDM := make([]float64, n-1)
	minusDM := make([]float64, n-1)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
		trs[i-1] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
	}
	for i := 0; i < period; i++ {
		trSum += trs[i]
		plusSum += plusDM[i]
		minusSum += minusDM[i]
	}

	var dxs []float64
	var plusDI, minusDI float64
	for i := period; i <= len(trs); i++ {
		if trSum != 0 {
			plusDI = 100 * plusSum / trSum
			minusDI = 100 * minusSum / trSum
		}
		if sum := plusDI + minusDI; sum != 0 {
			dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/sum)
		} else {
			dxs = append(dxs, 0)
		}
		if i == len(trs) {
			break
		}
		trSum = trSum - trSum/float64(period) + trs[i]
		plusSum = plusSum - plusSum/float64(period) + plusDM[i]
		minusSum = minusSum - minusSum/float64(period) + minusDM[i]
	}

	if len(dxs) < period {
		return ADXResult{ADX: math.NaN(), PlusDI: plusDI, MinusDI: minusDI}
	}
	adx := 0.0
	for _, dx := range dxs[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxs[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
}
