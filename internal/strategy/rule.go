package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-executor/internal/market"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// EvalContext carries everything a rule-tree evaluation needs to resolve
// operands: which symbol/timeframe it runs against, the store to pull
// indicator values from, and the current price (bar close on the primary
// trigger, tick mid on the secondary trigger).
type EvalContext struct {
	Symbol    string
	Timeframe types.Timeframe
	Store     *market.Store
	Price     decimal.Decimal
}

// resolveOperand returns the operand's value and whether it was
// resolvable. An indicator with ok=false propagates as unresolved, per
// spec §4.5 ("never to a trade").
func resolveOperand(op *types.Operand, ctx EvalContext) (decimal.Decimal, bool) {
	if op == nil {
		return decimal.Zero, false
	}
	switch {
	case op.Literal != nil:
		return *op.Literal, true
	case op.Price:
		return ctx.Price, true
	case op.Indicator != nil:
		v, ok := ctx.Store.Value(ctx.Symbol, ctx.Timeframe, op.Indicator.Name, op.Indicator.Params)
		if !ok {
			return decimal.Zero, false
		}
		dv, ok := v.(decimal.Decimal)
		return dv, ok
	default:
		return decimal.Zero, false
	}
}

func compare(op types.CompareOp, left, right decimal.Decimal) bool {
	switch op {
	case types.OpLT:
		return left.LessThan(right)
	case types.OpLE:
		return left.LessThanOrEqual(right)
	case types.OpGT:
		return left.GreaterThan(right)
	case types.OpGE:
		return left.GreaterThanOrEqual(right)
	case types.OpEQ:
		return left.Equal(right)
	default:
		return false
	}
}

// Evaluate walks a rule tree short-circuit, per spec §4.5. An unresolved
// leaf (ok=false) makes the whole expression false rather than erroring.
func Evaluate(node types.RuleNode, ctx EvalContext) bool {
	if node.Logic != "" {
		switch node.Logic {
		case types.LogicAND:
			for _, child := range node.Children {
				if !Evaluate(child, ctx) {
					return false
				}
			}
			return len(node.Children) > 0
		case types.LogicOR:
			for _, child := range node.Children {
				if Evaluate(child, ctx) {
					return true
				}
			}
			return false
		case types.LogicNOT:
			if len(node.Children) != 1 {
				return false
			}
			return !Evaluate(node.Children[0], ctx)
		default:
			return false
		}
	}

	left, leftOK := resolveOperand(node.Left, ctx)
	if !leftOK {
		return false
	}
	right, rightOK := resolveOperand(node.Right, ctx)
	if !rightOK {
		return false
	}
	return compare(node.Op, left, right)
}

// usesPriceOperand reports whether the tree references a bare price
// operand anywhere, used to decide whether a strategy needs the tick
// (secondary) trigger in addition to bar-close.
func usesPriceOperand(node types.RuleNode) bool {
	if node.Logic != "" {
		for _, c := range node.Children {
			if usesPriceOperand(c) {
				return true
			}
		}
		return false
	}
	return (node.Left != nil && node.Left.Price) || (node.Right != nil && node.Right.Price)
}
