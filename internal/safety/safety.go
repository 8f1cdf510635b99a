// Package safety implements the Safety Layer (spec §4.6): a pure-function
// pre-trade validator plus the kill-switch engagement policy. Grounded on
// the teacher's internal/execution/risk_manager.go (RiskConfig,
// RiskViolation/RiskCheckResult shape, sequential check-building pattern),
// generalized to the spec's six named checks and correlation lookback.
package safety

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// Verdict is a single pre-trade validator check's outcome.
type Verdict string

const (
	Accept Verdict = "Accept"
	Reject Verdict = "Reject"
)

// CheckResult is the validator's full structured outcome (never mutates
// state, per spec §4.6).
type CheckResult struct {
	Verdict Verdict
	Reason  string // set when Verdict == Reject
}

// Snapshot bundles everything the validator needs to reach a verdict,
// gathered by the caller immediately before dispatch (spec invariant 7:
// "the safety validator ran exactly once immediately before dispatch").
type Snapshot struct {
	Account         types.AccountSnapshot
	Positions       []types.Position
	Limits          types.SafetyLimits
	DailyRealizedPnL   decimal.Decimal
	DailyUnrealizedPnL decimal.Decimal
	PeakEquity         decimal.Decimal
	// ReturnsBySymbol maps symbol -> recent per-bar returns over the
	// configured correlation lookback (spec §9: 100 bars default), used to
	// estimate projected correlation against existing open positions.
	ReturnsBySymbol map[string][]float64
}

// Validate runs the pre-trade checks of spec §4.6 in order and returns the
// first rejection, or Accept if every check passes.
func Validate(sig types.Signal, snap Snapshot) CheckResult {
	if sig.Kind != types.CommandOpenPosition {
		return CheckResult{Verdict: Accept} // closes/modifies aren't subject to these limits
	}

	if sig.Size.GreaterThan(snap.Limits.MaxLotSize) {
		return CheckResult{Verdict: Reject, Reason: "size exceeds maxLotSize"}
	}

	if len(snap.Positions)+1 > snap.Limits.MaxOpenPositions {
		return CheckResult{Verdict: Reject, Reason: "open positions count would exceed maxOpenPositions"}
	}

	projectedExposure := sig.Size
	for _, p := range snap.Positions {
		projectedExposure = projectedExposure.Add(p.Volume)
	}
	if projectedExposure.GreaterThan(snap.Limits.MaxTotalExposure) {
		return CheckResult{Verdict: Reject, Reason: "projected total exposure exceeds maxTotalExposure"}
	}

	totalDailyPnL := snap.DailyRealizedPnL.Add(snap.DailyUnrealizedPnL)
	lossFloor := snap.Limits.MaxDailyLoss.Neg()
	pctFloor := snap.Limits.MaxDailyLossPct.Neg().Mul(snap.Account.Balance)
	if totalDailyPnL.LessThan(lossFloor) || totalDailyPnL.LessThan(pctFloor) {
		return CheckResult{Verdict: Reject, Reason: "daily PnL already below maxDailyLoss"}
	}

	if !snap.PeakEquity.IsZero() {
		drawdown := snap.PeakEquity.Sub(snap.Account.Equity)
		drawdownPct := drawdown.Div(snap.PeakEquity)
		if drawdown.GreaterThan(snap.Limits.MaxDrawdown) || drawdownPct.GreaterThan(snap.Limits.MaxDrawdownPct) {
			return CheckResult{Verdict: Reject, Reason: "drawdown from peak equity exceeds limit"}
		}
	}

	if corr := maxAbsCorrelation(sig.Symbol, snap); corr.GreaterThan(snap.Limits.MaxCorrelation) {
		return CheckResult{Verdict: Reject, Reason: "projected correlation with open positions exceeds maxCorrelation"}
	}

	return CheckResult{Verdict: Accept}
}

// maxAbsCorrelation computes the maximum absolute pairwise Pearson
// correlation between sig's symbol and every symbol with an existing open
// position, over the return series supplied in snap.ReturnsBySymbol (the
// executor builds them from the configured lookback of H1 bars).
func maxAbsCorrelation(symbol string, snap Snapshot) decimal.Decimal {
	target, ok := snap.ReturnsBySymbol[symbol]
	if !ok || len(target) < 2 {
		return decimal.Zero
	}

	max := 0.0
	seen := make(map[string]bool)
	for _, p := range snap.Positions {
		if p.Symbol == symbol || seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		other, ok := snap.ReturnsBySymbol[p.Symbol]
		if !ok {
			continue
		}
		c := pearson(target, other)
		if c < 0 {
			c = -c
		}
		if c > max {
			max = c
		}
	}
	return decimal.NewFromFloat(max)
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / (sqrt(varA) * sqrt(varB))
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// Monitor periodically evaluates snapshot-level breaches (daily loss,
// drawdown) independent of any particular signal, and engages the
// kill-switch when one is found (spec §4.6 transition trigger: "any
// safety limit breach detected by a periodic monitor").
type Monitor struct {
	logger *zap.Logger
	ks     *killswitch.Switch
}

// NewMonitor creates a periodic breach monitor bound to a kill-switch.
func NewMonitor(logger *zap.Logger, ks *killswitch.Switch) *Monitor {
	return &Monitor{logger: logger, ks: ks}
}

// Check evaluates one snapshot and engages the kill-switch if it breaches
// daily-loss or drawdown limits. Returns true if it engaged the switch on
// this call.
func (m *Monitor) Check(snap Snapshot) bool {
	totalDailyPnL := snap.DailyRealizedPnL.Add(snap.DailyUnrealizedPnL)
	lossFloor := snap.Limits.MaxDailyLoss.Neg()
	pctFloor := snap.Limits.MaxDailyLossPct.Neg().Mul(snap.Account.Balance)
	if totalDailyPnL.LessThan(lossFloor) || totalDailyPnL.LessThan(pctFloor) {
		return m.engage("daily loss limit breached")
	}

	if !snap.PeakEquity.IsZero() {
		drawdown := snap.PeakEquity.Sub(snap.Account.Equity)
		drawdownPct := drawdown.Div(snap.PeakEquity)
		if drawdown.GreaterThan(snap.Limits.MaxDrawdown) || drawdownPct.GreaterThan(snap.Limits.MaxDrawdownPct) {
			return m.engage("drawdown limit breached")
		}
	}

	return false
}

func (m *Monitor) engage(reason string) bool {
	transitioned := m.ks.Engage(reason)
	if transitioned && m.logger != nil {
		m.logger.Error("kill-switch engaged by periodic safety monitor",
			zap.String("reason", reason), zap.Time("at", time.Now()))
	}
	return transitioned
}
