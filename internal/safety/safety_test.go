package safety

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func baseLimits() types.SafetyLimits {
	return types.SafetyLimits{
		MaxDailyLoss:     dec(500),
		MaxDailyLossPct:  dec(0.1),
		MaxDrawdown:      dec(1000),
		MaxDrawdownPct:   dec(0.2),
		MaxOpenPositions: 5,
		MaxLotSize:       dec(1.0),
		MaxCorrelation:   dec(0.8),
		MaxTotalExposure: dec(3.0),
	}
}

func baseSnapshot() Snapshot {
	return Snapshot{
		Account: types.AccountSnapshot{Balance: dec(10000), Equity: dec(10000)},
		Limits:  baseLimits(),
		PeakEquity: dec(10000),
	}
}

func openSignal(symbol string, size float64) types.Signal {
	return types.Signal{Kind: types.CommandOpenPosition, Symbol: symbol, Size: dec(size)}
}

func TestValidateAcceptsWithinLimits(t *testing.T) {
	res := Validate(openSignal("EURUSD", 0.5), baseSnapshot())
	if res.Verdict != Accept {
		t.Fatalf("expected Accept, got Reject: %s", res.Reason)
	}
}

func TestValidateNonOpenAlwaysAccepted(t *testing.T) {
	sig := types.Signal{Kind: types.CommandClosePosition, Symbol: "EURUSD", Size: dec(100)}
	res := Validate(sig, baseSnapshot())
	if res.Verdict != Accept {
		t.Fatal("expected close signals to bypass size/exposure checks")
	}
}

func TestValidateRejectsOverMaxLotSize(t *testing.T) {
	res := Validate(openSignal("EURUSD", 2.0), baseSnapshot())
	if res.Verdict != Reject {
		t.Fatal("expected Reject for size over maxLotSize")
	}
}

func TestValidateRejectsOverMaxOpenPositions(t *testing.T) {
	snap := baseSnapshot()
	snap.Limits.MaxOpenPositions = 1
	snap.Positions = []types.Position{{Symbol: "GBPUSD", Volume: dec(0.1)}}
	res := Validate(openSignal("EURUSD", 0.1), snap)
	if res.Verdict != Reject {
		t.Fatal("expected Reject for exceeding maxOpenPositions")
	}
}

func TestValidateRejectsOverMaxTotalExposure(t *testing.T) {
	snap := baseSnapshot()
	snap.Limits.MaxTotalExposure = dec(1.0)
	snap.Positions = []types.Position{{Symbol: "GBPUSD", Volume: dec(0.8)}}
	res := Validate(openSignal("EURUSD", 0.5), snap)
	if res.Verdict != Reject {
		t.Fatal("expected Reject for exceeding maxTotalExposure")
	}
}

func TestValidateRejectsOnDailyLossBreach(t *testing.T) {
	snap := baseSnapshot()
	snap.DailyRealizedPnL = dec(-600)
	res := Validate(openSignal("EURUSD", 0.1), snap)
	if res.Verdict != Reject {
		t.Fatal("expected Reject when daily loss already exceeds maxDailyLoss")
	}
}

func TestValidateRejectsOnDrawdownBreach(t *testing.T) {
	snap := baseSnapshot()
	snap.PeakEquity = dec(12000)
	snap.Account.Equity = dec(10500) // drawdown 1500 > 1000 absolute limit
	res := Validate(openSignal("EURUSD", 0.1), snap)
	if res.Verdict != Reject {
		t.Fatal("expected Reject when drawdown from peak exceeds limit")
	}
}

func TestValidateRejectsOnCorrelationBreach(t *testing.T) {
	snap := baseSnapshot()
	snap.Limits.MaxCorrelation = dec(0.5)
	snap.Positions = []types.Position{{Symbol: "GBPUSD", Volume: dec(0.1)}}
	snap.ReturnsBySymbol = map[string][]float64{
		"EURUSD": {1, 2, 3, 4, 5, 6},
		"GBPUSD": {1, 2, 3, 4, 5, 6}, // perfectly correlated
	}
	res := Validate(openSignal("EURUSD", 0.1), snap)
	if res.Verdict != Reject {
		t.Fatal("expected Reject for correlation above maxCorrelation")
	}
}

func TestValidateAcceptsUncorrelatedSymbols(t *testing.T) {
	snap := baseSnapshot()
	snap.Positions = []types.Position{{Symbol: "GBPUSD", Volume: dec(0.1)}}
	snap.ReturnsBySymbol = map[string][]float64{
		"EURUSD": {1, 2, 3, 4, 5, 6},
		"GBPUSD": {6, 1, 4, 2, 5, 3}, // weakly related
	}
	res := Validate(openSignal("EURUSD", 0.1), snap)
	if res.Verdict != Accept {
		t.Fatalf("expected Accept for low correlation, got Reject: %s", res.Reason)
	}
}

func TestMonitorEngagesKillSwitchOnDailyLossBreach(t *testing.T) {
	ks := killswitch.New()
	mon := NewMonitor(nil, ks)
	snap := baseSnapshot()
	snap.DailyRealizedPnL = dec(-600)

	if !mon.Check(snap) {
		t.Fatal("expected Check to engage the kill-switch")
	}
	if !ks.IsActive() {
		t.Fatal("expected kill-switch to be active after breach")
	}
}

func TestMonitorNoopWhenWithinLimits(t *testing.T) {
	ks := killswitch.New()
	mon := NewMonitor(nil, ks)
	if mon.Check(baseSnapshot()) {
		t.Fatal("expected Check to be a no-op within limits")
	}
	if ks.IsActive() {
		t.Fatal("expected kill-switch to remain inactive")
	}
}

func TestMonitorEngagesOnlyOnce(t *testing.T) {
	ks := killswitch.New()
	mon := NewMonitor(nil, ks)
	snap := baseSnapshot()
	snap.DailyRealizedPnL = dec(-600)

	mon.Check(snap)
	if mon.Check(snap) {
		t.Fatal("expected second breach check to report no new transition")
	}
}
