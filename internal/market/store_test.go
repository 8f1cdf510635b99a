package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-executor/internal/eventbus"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

func tick(symbol string, price float64, ts time.Time) types.Tick {
	p := decimal.NewFromFloat(price)
	return types.Tick{Symbol: symbol, Bid: p, Ask: p, Timestamp: ts}
}

func TestBarFormationFinalizesOnBoundary(t *testing.T) {
	s := New(nil, nil)
	s.EnsureWindow("EURUSD", types.TimeframeM1)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.OnTick(tick("EURUSD", 1.1000, base))
	s.OnTick(tick("EURUSD", 1.1010, base.Add(30*time.Second)))
	s.OnTick(tick("EURUSD", 1.1005, base.Add(70*time.Second))) // crosses into next minute

	bars := s.Bars("EURUSD", types.TimeframeM1)
	if len(bars) != 1 {
		t.Fatalf("expected 1 finalized bar, got %d", len(bars))
	}
	if !bars[0].Close.Equal(decimal.NewFromFloat(1.1010)) {
		t.Fatalf("expected finalized close 1.1010, got %s", bars[0].Close.String())
	}
}

func TestGapSynthesizesEmptyBars(t *testing.T) {
	s := New(nil, nil)
	s.EnsureWindow("EURUSD", types.TimeframeM1)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.OnTick(tick("EURUSD", 1.10, base))
	// Jump 3 minutes ahead — should synthesize 2 gap bars before this one opens.
	s.OnTick(tick("EURUSD", 1.12, base.Add(3*time.Minute+5*time.Second)))

	bars := s.Bars("EURUSD", types.TimeframeM1)
	if len(bars) != 3 {
		t.Fatalf("expected 3 finalized bars (1 real + 2 gap), got %d", len(bars))
	}
	// bars[1] and bars[2] are the gap bars and must be flat; the triggering
	// tick lands in the still-open bar, which Bars does not return.
	for i := 1; i < len(bars); i++ {
		if !bars[i].Open.Equal(bars[i].High) || !bars[i].Open.Equal(bars[i].Low) {
			t.Fatalf("expected gap bar %d to be flat, got %+v", i, bars[i])
		}
	}
	if !bars[1].Open.Equal(decimal.NewFromFloat(1.10)) {
		t.Fatalf("expected gap bar to carry forward last close, got %s", bars[1].Open.String())
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	s := New(nil, nil)
	s.EnsureWindow("EURUSD", types.TimeframeM1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultCapacity+10; i++ {
		s.OnTick(tick("EURUSD", 1.10, base.Add(time.Duration(i)*time.Minute)))
	}

	bars := s.Bars("EURUSD", types.TimeframeM1)
	if len(bars) != DefaultCapacity {
		t.Fatalf("expected capacity-bounded buffer of %d, got %d", DefaultCapacity, len(bars))
	}
}

func TestValueReturnsNotOkWithInsufficientHistory(t *testing.T) {
	s := New(nil, nil)
	s.EnsureWindow("EURUSD", types.TimeframeM1)
	_, ok := s.Value("EURUSD", types.TimeframeM1, "EMA", map[string]int{"period": 20})
	if ok {
		t.Fatal("expected ok=false with no bars yet")
	}
}

func TestValueCacheInvalidatesOnNewBar(t *testing.T) {
	s := New(nil, nil)
	s.EnsureWindow("EURUSD", types.TimeframeM1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		s.OnTick(tick("EURUSD", 1.10+float64(i)*0.0001, base.Add(time.Duration(i)*time.Minute)))
	}
	v1, ok := s.Value("EURUSD", types.TimeframeM1, "EMA", map[string]int{"period": 20})
	if !ok {
		t.Fatal("expected ok=true after 24 finalized bars with period 20")
	}

	// A tick at minute 26 closes two more bars (minute 24 and the gap bar
	// at minute 25), which should invalidate and recompute.
	s.OnTick(tick("EURUSD", 1.20, base.Add(26*time.Minute)))
	v2, ok := s.Value("EURUSD", types.TimeframeM1, "EMA", map[string]int{"period": 20})
	if !ok {
		t.Fatal("expected ok=true after additional bar")
	}
	if v1.(decimal.Decimal).Equal(v2.(decimal.Decimal)) {
		t.Fatal("expected EMA to change after a new bar closes on a trending series")
	}
}

func TestBarCloseEventIsPublished(t *testing.T) {
	bus := eventbus.New(nil)
	ch, unsub := bus.Subscribe(eventbus.TypeBarClose, 8, eventbus.MustDeliver)
	defer unsub()

	s := New(nil, bus)
	s.EnsureWindow("EURUSD", types.TimeframeM1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.OnTick(tick("EURUSD", 1.10, base))
	s.OnTick(tick("EURUSD", 1.11, base.Add(90*time.Second)))

	select {
	case ev := <-ch:
		bar := ev.Payload.(types.Bar)
		if !bar.Final {
			t.Fatal("expected finalized bar on barClose event")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a barClose event")
	}
}
