// Package accounting tracks the daily realized P&L and peak-equity
// figures the Safety Layer's validator and periodic monitor need (spec
// §4.6) but that arrive nowhere on the wire as a single field: the
// broker bridge only ever pushes account snapshots and position
// updates, never a per-trade realized P&L. Grounded on the teacher's
// internal/execution/risk_manager.go (dailyPnL field + ResetDailyStats),
// generalized from trade-level P&L accumulation to balance-delta
// derivation, since MT5-style brokers only move Balance on a realized
// fill: DailyRealizedPnL is simply the drift in Balance since the start
// of the trading day, and UnrealizedPnL is read straight off open
// positions.
package accounting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/eventbus"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// Tracker observes account snapshots and derives the daily-reset figures
// the Safety Layer needs, without requiring the broker bridge to report
// realized P&L directly.
type Tracker struct {
	logger *zap.Logger

	mu               sync.RWMutex
	dayStartBalance  decimal.Decimal
	dayStartSet      bool
	peakEquity       decimal.Decimal
	lastBalance      decimal.Decimal

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Tracker. Call Start to subscribe to account snapshots and
// begin the daily reset scheduler.
func New(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger, stop: make(chan struct{})}
}

// Start subscribes to account-snapshot events and launches the UTC
// midnight reset scheduler.
func (t *Tracker) Start(bus *eventbus.Bus) {
	ch, unsub := bus.Subscribe(eventbus.TypeAccount, 32, eventbus.BestEffort)
	t.wg.Add(2)
	go t.consume(ch, unsub)
	go t.resetScheduler()
}

// Stop halts the consumer and reset scheduler.
func (t *Tracker) Stop() {
	close(t.stop)
	t.wg.Wait()
}

func (t *Tracker) consume(ch <-chan eventbus.Event, unsub func()) {
	defer t.wg.Done()
	defer unsub()
	for {
		select {
		case <-t.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			acc, ok := ev.Payload.(types.AccountSnapshot)
			if !ok {
				continue
			}
			t.observe(acc)
		}
	}
}

func (t *Tracker) observe(acc types.AccountSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dayStartSet {
		t.dayStartBalance = acc.Balance
		t.dayStartSet = true
	}
	t.lastBalance = acc.Balance
	if acc.Equity.GreaterThan(t.peakEquity) {
		t.peakEquity = acc.Equity
	}
}

// resetScheduler clears the daily baseline at each UTC midnight boundary
// (spec §4.6: limits are evaluated "per trading day").
func (t *Tracker) resetScheduler() {
	defer t.wg.Done()
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
			t.ResetDaily()
		}
	}
}

// ResetDaily re-baselines the daily P&L reference to the current balance
// (teacher's ResetDailyStats, generalized to the balance-drift model).
func (t *Tracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dayStartBalance = t.lastBalance
	t.dayStartSet = true
	if t.logger != nil {
		t.logger.Info("daily P&L baseline reset", zap.String("balance", t.dayStartBalance.String()))
	}
}

// DailyRealizedPnL returns the drift in account Balance since the start
// of the current trading day.
func (t *Tracker) DailyRealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.dayStartSet {
		return decimal.Zero
	}
	return t.lastBalance.Sub(t.dayStartBalance)
}

// PeakEquity returns the highest Equity figure observed since Start.
func (t *Tracker) PeakEquity() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peakEquity
}
