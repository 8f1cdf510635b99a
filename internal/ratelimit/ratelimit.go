// Package ratelimit implements the Command Dispatcher's per-kind-family
// token bucket (spec §4.2: "N requests per W, evaluated per kind family").
// Built on golang.org/x/time/rate rather than a hand-rolled bucket, since
// the teacher's own go-mod surface doesn't offer one and the wider example
// corpus (go-coffee) already reaches for x/time/rate for exactly this.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// Limiters groups one token bucket per command-kind family.
type Limiters struct {
	buckets map[types.KindFamily]*rate.Limiter
}

// Config is the N-per-W configuration for one family.
type Config struct {
	N int
	W time.Duration
}

// DefaultConfig is the spec's suggested default: 100 requests per 60s,
// applied uniformly across families unless overridden.
func DefaultConfig() Config {
	return Config{N: 100, W: 60 * time.Second}
}

// New builds limiters for the trade-mutating, read, and control families.
// Per-family overrides may be passed; families not present use cfg.
func New(cfg Config, overrides map[types.KindFamily]Config) *Limiters {
	l := &Limiters{buckets: make(map[types.KindFamily]*rate.Limiter)}
	families := []types.KindFamily{types.FamilyTradeMutating, types.FamilyRead, types.FamilyControl}
	for _, f := range families {
		c := cfg
		if o, ok := overrides[f]; ok {
			c = o
		}
		ratePerSec := float64(c.N) / c.W.Seconds()
		l.buckets[f] = rate.NewLimiter(rate.Limit(ratePerSec), c.N)
	}
	return l
}

// Allow reports whether a command of the given family may be admitted
// right now, consuming a token if so. It never blocks — the dispatcher is
// responsible for re-queueing on refusal (spec §4.2).
func (l *Limiters) Allow(family types.KindFamily) bool {
	b, ok := l.buckets[family]
	if !ok {
		return true
	}
	return b.Allow()
}

// ReserveDelay returns how long the caller would have to wait for the next
// token, without consuming one — used to set a sub-queue's
// deferred-until timestamp.
func (l *Limiters) ReserveDelay(family types.KindFamily) time.Duration {
	b, ok := l.buckets[family]
	if !ok {
		return 0
	}
	r := b.Reserve()
	if !r.OK() {
		return time.Second
	}
	d := r.Delay()
	r.Cancel()
	return d
}
