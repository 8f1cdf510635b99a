// Package strategy implements the Strategy Monitor (spec §4.5): one
// evaluation loop per active strategy, triggered on bar-close (primary)
// and tick (secondary, price-level rules only), evaluating a declarative
// rule tree instead of a hardcoded Go strategy type. Grounded on the
// teacher's internal/strategy/strategy.go (Strategy interface, registry,
// BaseStrategy ring buffer), generalized away from its eight hardcoded
// concrete strategies toward one rule-tree-driven evaluator.
package strategy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/eventbus"
	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/market"
	"github.com/atlas-desktop/trading-executor/internal/safety"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// PositionTracker reports whether a strategy currently holds an open
// position for a symbol, and its ticket if so. Positions are owned by the
// Broker Transport (spec §3 ownership rules); the Monitor only reads.
type PositionTracker interface {
	OpenPosition(strategyID, symbol string) (ticket string, open bool)
}

// SafetySource supplies the snapshot the pre-trade validator needs,
// assembled fresh for every signal (spec §4.6 invariant: validator runs
// exactly once immediately before dispatch).
type SafetySource interface {
	Snapshot(symbol string) safety.Snapshot
}

// SubmitFunc hands a validated signal to the Command Dispatcher as a
// priority=High command (spec §4.5 step 5). Kept as a function type,
// matching dispatcher.Handler's style, to avoid this package depending on
// the dispatcher package's concrete type.
type SubmitFunc func(cmd types.Command) (accepted bool, reason string)

type runningStrategy struct {
	def       atomic.Pointer[types.Strategy]
	evalMu    sync.Mutex
	needsTick bool
}

// Monitor runs the evaluation loop for every active strategy.
type Monitor struct {
	logger    *zap.Logger
	store     *market.Store
	bus       *eventbus.Bus
	tracker   PositionTracker
	safetySrc SafetySource
	submit    SubmitFunc
	ks        *killswitch.Switch

	mu         sync.RWMutex
	strategies map[string]*runningStrategy

	barCh     <-chan eventbus.Event
	tickCh    <-chan eventbus.Event
	unsubBar  func()
	unsubTick func()

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Strategy Monitor bound to the Market-Data Store and event
// bus. Call Start to begin consuming barClose/tick events.
func New(logger *zap.Logger, store *market.Store, bus *eventbus.Bus, tracker PositionTracker, safetySrc SafetySource, submit SubmitFunc, ks *killswitch.Switch) *Monitor {
	return &Monitor{
		logger:     logger,
		store:      store,
		bus:        bus,
		tracker:    tracker,
		safetySrc:  safetySrc,
		submit:     submit,
		ks:         ks,
		strategies: make(map[string]*runningStrategy),
		stop:       make(chan struct{}),
	}
}

// AddStrategy registers a strategy for evaluation. Safe to call while
// Start is running.
func (m *Monitor) AddStrategy(s types.Strategy) {
	rs := &runningStrategy{needsTick: usesPriceOperand(s.EntryRule) || usesPriceOperand(s.ExitRule)}
	rs.def.Store(&s)
	m.mu.Lock()
	m.strategies[s.ID] = rs
	m.mu.Unlock()
	for _, sym := range s.Symbols {
		m.store.EnsureWindow(sym, s.Timeframe)
	}
}

// Reload atomically swaps a strategy's definition (spec §4.5 "Hot
// reload"). An evaluation already in flight completes under the
// previously loaded definition; the next one observes the new pointer.
func (m *Monitor) Reload(s types.Strategy) {
	m.mu.RLock()
	rs, ok := m.strategies[s.ID]
	m.mu.RUnlock()
	if !ok {
		m.AddStrategy(s)
		return
	}
	rs.needsTick = usesPriceOperand(s.EntryRule) || usesPriceOperand(s.ExitRule)
	rs.def.Store(&s)
}

// RemoveStrategy stops evaluating a strategy (e.g. on Archived transition).
func (m *Monitor) RemoveStrategy(id string) {
	m.mu.Lock()
	delete(m.strategies, id)
	m.mu.Unlock()
}

// SetStatus flips a loaded strategy's Status in place (e.g. Active ->
// Paused via a Pause command), leaving every other field untouched.
// Reports false if the strategy isn't currently loaded.
func (m *Monitor) SetStatus(id string, status types.StrategyStatus) bool {
	m.mu.RLock()
	rs, ok := m.strategies[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	def := rs.def.Load()
	if def == nil {
		return false
	}
	updated := *def
	updated.Status = status
	rs.def.Store(&updated)
	return true
}

// ActiveStrategyCount reports the number of strategies currently loaded
// with Status Active, for the Control Client's heartbeat report.
func (m *Monitor) ActiveStrategyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rs := range m.strategies {
		if def := rs.def.Load(); def != nil && def.Status == types.StrategyActive {
			n++
		}
	}
	return n
}

// Start subscribes to barClose (must-deliver) and tick (best-effort)
// events and begins dispatching evaluations.
func (m *Monitor) Start() {
	m.barCh, m.unsubBar = m.bus.Subscribe(eventbus.TypeBarClose, 256, eventbus.MustDeliver)
	m.tickCh, m.unsubTick = m.bus.Subscribe(eventbus.TypeTick, 256, eventbus.BestEffort)

	m.wg.Add(2)
	go m.consumeBarClose()
	go m.consumeTicks()
}

func (m *Monitor) consumeBarClose() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.barCh:
			if !ok {
				return
			}
			bar, ok := ev.Payload.(types.Bar)
			if !ok {
				continue
			}
			m.dispatchEvaluations(bar.Symbol, bar.Timeframe, bar.Close, time.Now(), false)
		}
	}
}

func (m *Monitor) consumeTicks() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.tickCh:
			if !ok {
				return
			}
			tick, ok := ev.Payload.(types.Tick)
			if !ok {
				continue
			}
			m.dispatchEvaluations(tick.Symbol, "", tick.Mid(), tick.Timestamp, true)
		}
	}
}

// dispatchEvaluations fans an event out to every strategy that watches
// this symbol (and, for bar events, this exact timeframe). Distinct
// strategies evaluate concurrently; a single strategy never overlaps
// itself (spec §4.5 "Concurrency"). While the kill-switch is active no
// new evaluation is started; one already running is let finish under
// evaluate's own check (spec §4.6: "suspends all evaluation loops after
// their current evaluation completes").
func (m *Monitor) dispatchEvaluations(symbol string, tf types.Timeframe, price decimal.Decimal, now time.Time, tickTrigger bool) {
	if m.ks != nil && m.ks.IsActive() {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rs := range m.strategies {
		def := rs.def.Load()
		if def == nil || def.Status != types.StrategyActive {
			continue
		}
		if !containsSymbol(def.Symbols, symbol) {
			continue
		}
		if tickTrigger {
			if !rs.needsTick {
				continue
			}
		} else if def.Timeframe != tf {
			continue
		}

		rs := rs
		evalSymbol := symbol
		evalPrice := price
		go m.evaluate(rs, evalSymbol, evalPrice, now)
	}
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// evaluate runs one evaluation step for a single strategy+symbol pair,
// per spec §4.5's numbered procedure. It serializes against any other
// in-flight evaluation of the same strategy.
func (m *Monitor) evaluate(rs *runningStrategy, symbol string, price decimal.Decimal, now time.Time) {
	rs.evalMu.Lock()
	defer rs.evalMu.Unlock()

	if m.ks != nil && m.ks.IsActive() {
		return
	}

	def := rs.def.Load()
	if def == nil || def.Status != types.StrategyActive {
		return
	}

	ctx := EvalContext{Symbol: symbol, Timeframe: def.Timeframe, Store: m.store, Price: price}

	if !passesFilters(def.Filters, ctx, now) {
		return
	}

	if ticket, open := m.tracker.OpenPosition(def.ID, symbol); open {
		if Evaluate(def.ExitRule, ctx) {
			m.emit(types.Signal{
				StrategyID:  def.ID,
				Symbol:      symbol,
				Kind:        types.CommandClosePosition,
				Ticket:      ticket,
				Reason:      "exit rule fired",
				GeneratedAt: now,
			})
		}
		return
	}

	if def.MaxOpen > 0 && m.openCount(def) >= def.MaxOpen {
		return
	}

	if !Evaluate(def.EntryRule, ctx) {
		return
	}

	stopDistance := decimal.Zero
	if !def.Sizing.StopPoints.IsZero() {
		stopDistance = def.Sizing.StopPoints
	}
	account := m.safetySrc.Snapshot(symbol).Account
	size := ComputeSize(def.Sizing, account, stopDistance)
	if size.IsZero() || size.IsNegative() {
		return
	}

	side := types.OrderSideBuy
	sig := types.Signal{
		StrategyID:  def.ID,
		Symbol:      symbol,
		Kind:        types.CommandOpenPosition,
		Side:        side,
		Size:        size,
		Reason:      "entry rule fired",
		GeneratedAt: now,
	}
	if !def.Sizing.StopPoints.IsZero() {
		sig.StopLoss = price.Sub(def.Sizing.StopPoints)
	}
	m.emit(sig)
}

// openCount is a coarse per-strategy open-position count across its
// symbols, used for the maxOpen gate (spec §4.5 step 4). Exact enough for
// gating; the authoritative count lives with the Broker Transport.
func (m *Monitor) openCount(def *types.Strategy) int {
	count := 0
	for _, sym := range def.Symbols {
		if _, open := m.tracker.OpenPosition(def.ID, sym); open {
			count++
		}
	}
	return count
}

// emit runs the signal through the Safety validator and, on Accept,
// submits it to the Dispatcher at priority=High (spec §4.5 step 5).
func (m *Monitor) emit(sig types.Signal) {
	snap := m.safetySrc.Snapshot(sig.Symbol)
	result := safety.Validate(sig, snap)
	if result.Verdict != safety.Accept {
		if m.logger != nil {
			m.logger.Info("signal rejected by safety validator",
				zap.String("strategyId", sig.StrategyID), zap.String("symbol", sig.Symbol),
				zap.String("reason", result.Reason))
		}
		return
	}

	cmd := types.Command{
		Kind:      sig.Kind,
		Priority:  types.PriorityHigh,
		CreatedAt: time.Now(),
		Payload: map[string]any{
			"strategyId": sig.StrategyID,
			"symbol":     sig.Symbol,
			"side":       string(sig.Side),
			"size":       sig.Size.String(),
			"stopLoss":   sig.StopLoss.String(),
			"takeProfit": sig.TakeProfit.String(),
			"ticket":     sig.Ticket,
			"reason":     sig.Reason,
		},
	}
	if _, reason := m.submit(cmd); reason != "" && m.logger != nil {
		m.logger.Warn("signal command refused by dispatcher",
			zap.String("strategyId", sig.StrategyID), zap.String("reason", reason))
	}
}

// Stop halts both consumer loops (spec §5: "Strategy monitor first —
// stops emitting new signals"). In-flight evaluations are allowed to
// complete; no new ones are started once Stop returns.
func (m *Monitor) Stop() {
	close(m.stop)
	if m.unsubBar != nil {
		m.unsubBar()
	}
	if m.unsubTick != nil {
		m.unsubTick()
	}
	m.wg.Wait()
}
