package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-executor/internal/eventbus"
	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/market"
	"github.com/atlas-desktop/trading-executor/internal/safety"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

type fakeTracker struct {
	open map[string]string // key "strategyId|symbol" -> ticket
}

func newFakeTracker() *fakeTracker { return &fakeTracker{open: make(map[string]string)} }

func (f *fakeTracker) OpenPosition(strategyID, symbol string) (string, bool) {
	t, ok := f.open[strategyID+"|"+symbol]
	return t, ok
}

type fakeSafetySource struct{ limits types.SafetyLimits }

func (f fakeSafetySource) Snapshot(symbol string) safety.Snapshot {
	return safety.Snapshot{
		Account: types.AccountSnapshot{Balance: decimal.NewFromFloat(10000), Equity: decimal.NewFromFloat(10000)},
		Limits:  f.limits,
	}
}

func permissiveLimits() types.SafetyLimits {
	return types.SafetyLimits{
		MaxDailyLoss: decimal.NewFromFloat(1_000_000), MaxDailyLossPct: decimal.NewFromFloat(1),
		MaxDrawdown: decimal.NewFromFloat(1_000_000), MaxDrawdownPct: decimal.NewFromFloat(1),
		MaxOpenPositions: 100, MaxLotSize: decimal.NewFromFloat(100),
		MaxCorrelation: decimal.NewFromFloat(1), MaxTotalExposure: decimal.NewFromFloat(1000),
	}
}

func entryAlwaysTrue() types.RuleNode {
	d := decimal.NewFromFloat(1)
	return types.RuleNode{Op: types.OpGE, Left: &types.Operand{Price: true}, Right: &types.Operand{Literal: &d}}
}

func exitNeverTrue() types.RuleNode {
	d := decimal.NewFromFloat(1_000_000)
	return types.RuleNode{Op: types.OpGE, Left: &types.Operand{Price: true}, Right: &types.Operand{Literal: &d}}
}

func TestMonitorEmitsOpenSignalOnBarClose(t *testing.T) {
	bus := eventbus.New(nil)
	store := market.New(nil, bus)
	tracker := newFakeTracker()
	safetySrc := fakeSafetySource{limits: permissiveLimits()}

	var submitted []types.Command
	submit := func(cmd types.Command) (bool, string) {
		submitted = append(submitted, cmd)
		return true, ""
	}

	mon := New(nil, store, bus, tracker, safetySrc, submit, killswitch.New())
	def := types.Strategy{
		ID: "s1", Symbols: []string{"EURUSD"}, Timeframe: types.TimeframeM1,
		EntryRule: entryAlwaysTrue(), ExitRule: exitNeverTrue(),
		Sizing: types.Sizing{Method: types.SizingFixedLots, FixedLots: decimal.NewFromFloat(0.1)},
		MaxOpen: 5, Status: types.StrategyActive,
	}
	mon.AddStrategy(def)
	mon.Start()
	defer mon.Stop()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.OnTick(types.Tick{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1), Timestamp: base})
	store.OnTick(types.Tick{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1), Timestamp: base.Add(90 * time.Second)})

	deadline := time.Now().Add(2 * time.Second)
	for len(submitted) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(submitted) == 0 {
		t.Fatal("expected an OpenPosition command to be submitted")
	}
	if submitted[0].Kind != types.CommandOpenPosition {
		t.Fatalf("expected OpenPosition, got %s", submitted[0].Kind)
	}
}

func TestMonitorEmitsCloseSignalWhenPositionOpen(t *testing.T) {
	bus := eventbus.New(nil)
	store := market.New(nil, bus)
	tracker := newFakeTracker()
	tracker.open["s1|EURUSD"] = "ticket-1"
	safetySrc := fakeSafetySource{limits: permissiveLimits()}

	var submitted []types.Command
	submit := func(cmd types.Command) (bool, string) {
		submitted = append(submitted, cmd)
		return true, ""
	}

	mon := New(nil, store, bus, tracker, safetySrc, submit, killswitch.New())
	d := decimal.NewFromFloat(0)
	exitAlwaysTrue := types.RuleNode{Op: types.OpGE, Left: &types.Operand{Price: true}, Right: &types.Operand{Literal: &d}}
	def := types.Strategy{
		ID: "s1", Symbols: []string{"EURUSD"}, Timeframe: types.TimeframeM1,
		EntryRule: entryAlwaysTrue(), ExitRule: exitAlwaysTrue,
		Status: types.StrategyActive,
	}
	mon.AddStrategy(def)
	mon.Start()
	defer mon.Stop()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.OnTick(types.Tick{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1), Timestamp: base})
	store.OnTick(types.Tick{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1), Timestamp: base.Add(90 * time.Second)})

	deadline := time.Now().Add(2 * time.Second)
	for len(submitted) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(submitted) == 0 {
		t.Fatal("expected a ClosePosition command to be submitted")
	}
	if submitted[0].Kind != types.CommandClosePosition {
		t.Fatalf("expected ClosePosition, got %s", submitted[0].Kind)
	}
	if submitted[0].Payload["ticket"] != "ticket-1" {
		t.Fatalf("expected ticket-1 carried in payload, got %v", submitted[0].Payload["ticket"])
	}
}

func TestMonitorSkipsInactiveStrategy(t *testing.T) {
	bus := eventbus.New(nil)
	store := market.New(nil, bus)
	tracker := newFakeTracker()
	safetySrc := fakeSafetySource{limits: permissiveLimits()}

	var submitted []types.Command
	submit := func(cmd types.Command) (bool, string) {
		submitted = append(submitted, cmd)
		return true, ""
	}

	mon := New(nil, store, bus, tracker, safetySrc, submit, killswitch.New())
	def := types.Strategy{
		ID: "s1", Symbols: []string{"EURUSD"}, Timeframe: types.TimeframeM1,
		EntryRule: entryAlwaysTrue(), ExitRule: exitNeverTrue(),
		Status: types.StrategyPaused,
	}
	mon.AddStrategy(def)
	mon.Start()
	defer mon.Stop()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.OnTick(types.Tick{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1), Timestamp: base})
	store.OnTick(types.Tick{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.1), Ask: decimal.NewFromFloat(1.1), Timestamp: base.Add(90 * time.Second)})

	time.Sleep(200 * time.Millisecond)
	if len(submitted) != 0 {
		t.Fatalf("expected no commands submitted for a paused strategy, got %d", len(submitted))
	}
}

func TestMonitorReloadSwapsDefinition(t *testing.T) {
	bus := eventbus.New(nil)
	store := market.New(nil, bus)
	tracker := newFakeTracker()
	safetySrc := fakeSafetySource{limits: permissiveLimits()}
	submit := func(cmd types.Command) (bool, string) { return true, "" }

	mon := New(nil, store, bus, tracker, safetySrc, submit, killswitch.New())
	def := types.Strategy{ID: "s1", Symbols: []string{"EURUSD"}, Timeframe: types.TimeframeM1, Status: types.StrategyActive}
	mon.AddStrategy(def)

	def.MaxOpen = 7
	mon.Reload(def)

	mon.mu.RLock()
	rs := mon.strategies["s1"]
	mon.mu.RUnlock()
	if rs.def.Load().MaxOpen != 7 {
		t.Fatal("expected reload to swap in the new definition")
	}
}
