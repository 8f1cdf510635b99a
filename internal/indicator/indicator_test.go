package indicator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

func syntheticBars(n int, start float64, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	price := start
	t := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		o := price
		price += step
		bars[i] = types.Bar{
			Symbol:    "EURUSD",
			Timeframe: types.TimeframeH1,
			OpenTime:  t,
			Open:      decimal.NewFromFloat(o),
			High:      decimal.NewFromFloat(o + 0.5),
			Low:       decimal.NewFromFloat(o - 0.5),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(100),
			Final:     true,
		}
		t = t.Add(time.Hour)
	}
	return bars
}

func TestSMAInsufficientHistory(t *testing.T) {
	bars := syntheticBars(5, 100, 1)
	if _, ok := SMA(bars, 20); ok {
		t.Fatal("expected ok=false for insufficient history")
	}
}

func TestSMAMatchesPlainAverage(t *testing.T) {
	bars := syntheticBars(5, 100, 0) // flat price, close always 100
	v, ok := SMA(bars, 5)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !v.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected SMA == 100, got %s", v.String())
	}
}

func TestEMAConverges(t *testing.T) {
	bars := syntheticBars(50, 100, 0)
	v, ok := EMA(bars, 10)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !v.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected EMA == 100 on flat series, got %s", v.String())
	}
}

func TestEvaluateUnknownIndicator(t *testing.T) {
	bars := syntheticBars(30, 100, 1)
	if _, ok := Evaluate("NoSuchIndicator", bars, nil); ok {
		t.Fatal("expected ok=false for unknown indicator name")
	}
}

func TestKeyChangesWithParamsAndBarTime(t *testing.T) {
	k1 := Key("EMA", map[string]int{"period": 20}, 1000)
	k2 := Key("EMA", map[string]int{"period": 21}, 1000)
	k3 := Key("EMA", map[string]int{"period": 20}, 2000)
	if k1 == k2 || k1 == k3 {
		t.Fatal("expected cache key to vary with params and bar time")
	}
}
