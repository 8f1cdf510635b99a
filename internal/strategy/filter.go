package strategy

import (
	"time"

	"github.com/atlas-desktop/trading-executor/internal/indicator"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// FilterFunc gates entry evaluation; returning false skips this symbol on
// this evaluation step (spec §4.5 step 2).
type FilterFunc func(ctx EvalContext, params map[string]any, now time.Time) bool

// filterRegistry is the set of built-in filters. Extension is by adding
// another function, same pattern as the indicator library.
var filterRegistry = map[string]FilterFunc{
	"session":  sessionFilter,
	"min_atr":  minATRFilter,
}

func paramInt(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

// sessionFilter admits only evaluations within an [startHour, endHour) UTC
// window — params: start_hour, end_hour.
func sessionFilter(ctx EvalContext, params map[string]any, now time.Time) bool {
	start := paramInt(params, "start_hour", 0)
	end := paramInt(params, "end_hour", 24)
	h := now.UTC().Hour()
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end // wraps midnight
}

// minATRFilter admits only evaluations where ATR(period) is at or above a
// minimum volatility floor — params: period, min.
func minATRFilter(ctx EvalContext, params map[string]any, now time.Time) bool {
	period := paramInt(params, "period", 14)
	floor := paramFloat(params, "min", 0)
	bars := ctx.Store.Bars(ctx.Symbol, ctx.Timeframe)
	v, ok := indicator.ATR(bars, period)
	if !ok {
		return false
	}
	f, _ := v.Float64()
	return f >= floor
}

// passesFilters evaluates every configured filter; any failure skips the
// symbol for this step.
func passesFilters(filters []types.Filter, ctx EvalContext, now time.Time) bool {
	for _, f := range filters {
		fn, ok := filterRegistry[f.Name]
		if !ok {
			continue // unknown filter name: ignored, not a hard failure
		}
		if !fn(ctx, f.Params, now) {
			return false
		}
	}
	return true
}
