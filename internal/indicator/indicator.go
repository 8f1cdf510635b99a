// Package indicator provides the technical-indicator library (spec §4.4):
// pure functions of (window, parameters) producing a scalar or small
// struct. Computation is delegated to github.com/markcheno/go-talib
// (grounded on aristath-sentinel/aristath-portfolioManager's
// pkg/formulas/*.go, which wrap the same library) rather than hand-rolled
// math.
package indicator

import (
	"fmt"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// MACDValue is MACD's three-series result collapsed to the latest point.
type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// BBandsValue is Bollinger Bands' three-series result collapsed to the
// latest point.
type BBandsValue struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// StochValue is Stochastic's two-series result collapsed to the latest
// point.
type StochValue struct {
	K float64
	D float64
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

func highs(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.High.Float64()
	}
	return out
}

func lows(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Low.Float64()
	}
	return out
}

func last(series []float64) (decimal.Decimal, bool) {
	if len(series) == 0 {
		return decimal.Zero, false
	}
	v := series[len(series)-1]
	if v != v { // NaN: insufficient history inside talib's own warm-up
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(v), true
}

// SMA computes the simple moving average of the last `period` closes.
func SMA(bars []types.Bar, period int) (decimal.Decimal, bool) {
	if len(bars) < period {
		return decimal.Zero, false
	}
	return last(talib.Sma(closes(bars), period))
}

// EMA computes the exponential moving average of the last `period` closes.
func EMA(bars []types.Bar, period int) (decimal.Decimal, bool) {
	if len(bars) < period {
		return decimal.Zero, false
	}
	return last(talib.Ema(closes(bars), period))
}

// RSI computes the relative strength index over `period` closes.
func RSI(bars []types.Bar, period int) (decimal.Decimal, bool) {
	if len(bars) < period+1 {
		return decimal.Zero, false
	}
	return last(talib.Rsi(closes(bars), period))
}

// MACD computes MACD(fast, slow, signal) over closes.
func MACD(bars []types.Bar, fast, slow, signal int) (MACDValue, bool) {
	if len(bars) < slow+signal {
		return MACDValue{}, false
	}
	macd, sig, hist := talib.Macd(closes(bars), fast, slow, signal)
	m, ok1 := last(macd)
	s, ok2 := last(sig)
	h, ok3 := last(hist)
	if !ok1 || !ok2 || !ok3 {
		return MACDValue{}, false
	}
	mf, _ := m.Float64()
	sf, _ := s.Float64()
	hf, _ := h.Float64()
	return MACDValue{MACD: mf, Signal: sf, Histogram: hf}, true
}

// BollingerBands computes Bollinger Bands(period, nbDevUp, nbDevDn) over closes.
func BollingerBands(bars []types.Bar, period int, nbDevUp, nbDevDn float64) (BBandsValue, bool) {
	if len(bars) < period {
		return BBandsValue{}, false
	}
	upper, middle, lower := talib.BBands(closes(bars), period, nbDevUp, nbDevDn, talib.SMA)
	u, ok1 := last(upper)
	m, ok2 := last(middle)
	l, ok3 := last(lower)
	if !ok1 || !ok2 || !ok3 {
		return BBandsValue{}, false
	}
	uf, _ := u.Float64()
	mf, _ := m.Float64()
	lf, _ := l.Float64()
	return BBandsValue{Upper: uf, Middle: mf, Lower: lf}, true
}

// ATR computes the average true range over `period` bars.
func ATR(bars []types.Bar, period int) (decimal.Decimal, bool) {
	if len(bars) < period+1 {
		return decimal.Zero, false
	}
	return last(talib.Atr(highs(bars), lows(bars), closes(bars), period))
}

// ADX computes the average directional index over `period` bars.
func ADX(bars []types.Bar, period int) (decimal.Decimal, bool) {
	if len(bars) < period*2 {
		return decimal.Zero, false
	}
	return last(talib.Adx(highs(bars), lows(bars), closes(bars), period))
}

// Stochastic computes the stochastic oscillator(fastK, slowK, slowD).
func Stochastic(bars []types.Bar, fastK, slowK, slowD int) (StochValue, bool) {
	if len(bars) < fastK+slowK+slowD {
		return StochValue{}, false
	}
	k, d := talib.Stoch(highs(bars), lows(bars), closes(bars),
		fastK, slowK, talib.SMA, slowD, talib.SMA)
	kv, ok1 := last(k)
	dv, ok2 := last(d)
	if !ok1 || !ok2 {
		return StochValue{}, false
	}
	kf, _ := kv.Float64()
	df, _ := dv.Float64()
	return StochValue{K: kf, D: df}, true
}

// Evaluate dispatches to the named indicator with integer parameters,
// collapsing every indicator family to a single decimal so the rule-tree
// evaluator (spec §4.5) can compare it uniformly. Multi-series indicators
// expose their primary line (MACD's macd line, Bollinger's middle band,
// Stochastic's %K).
func Evaluate(name string, bars []types.Bar, params map[string]int) (decimal.Decimal, bool) {
	switch name {
	case "SMA":
		return SMA(bars, params["period"])
	case "EMA":
		return EMA(bars, params["period"])
	case "RSI":
		return RSI(bars, params["period"])
	case "ATR":
		return ATR(bars, params["period"])
	case "ADX":
		return ADX(bars, params["period"])
	case "MACD":
		v, ok := MACD(bars, params["fast"], params["slow"], params["signal"])
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v.MACD), true
	case "BollingerBands":
		v, ok := BollingerBands(bars, params["period"], 2, 2)
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v.Middle), true
	case "Stochastic":
		v, ok := Stochastic(bars, params["fastK"], params["slowK"], params["slowD"])
		if !ok {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v.K), true
	default:
		return decimal.Zero, false
	}
}

// Key uniquely identifies a cached indicator value within one
// (symbol, timeframe) per spec §3: (name, parameters, lastBarOpenTime).
func Key(name string, params map[string]int, lastBarOpenTimeUnix int64) string {
	return fmt.Sprintf("%s|%v|%d", name, params, lastBarOpenTimeUnix)
}
