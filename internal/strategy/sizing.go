package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// ComputeSize turns a strategy's sizing method into a concrete lot size
// for a fresh entry signal. Grounded on the teacher's risk_manager.go
// CalculatePositionSize shape (risk percent / stop distance), generalized
// to the declarative Sizing type.
func ComputeSize(sizing types.Sizing, account types.AccountSnapshot, stopDistance decimal.Decimal) decimal.Decimal {
	switch sizing.Method {
	case types.SizingFixedLots:
		return sizing.FixedLots
	case types.SizingRiskPercent:
		if stopDistance.IsZero() {
			stopDistance = sizing.StopPoints
		}
		if stopDistance.IsZero() {
			return decimal.Zero
		}
		riskAmount := account.Balance.Mul(sizing.RiskPct)
		return riskAmount.Div(stopDistance)
	default:
		return decimal.Zero
	}
}
