// Package market implements the Market-Data Store (spec §4.4): per
// (symbol, timeframe) rolling bar windows, tick-driven bar formation, and
// a memoized indicator read contract. Grounded on the teacher's
// internal/data/store.go (in-memory cache + sidecar metadata pattern) and
// internal/data/market_data.go (tick ingestion), generalized from a
// historical-data loader into a live rolling-window store.
package market

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/eventbus"
	"github.com/atlas-desktop/trading-executor/internal/indicator"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// DefaultCapacity is the minimum ring-buffer capacity per (symbol,
// timeframe): spec §4.4 requires at least 500 finalized bars.
const DefaultCapacity = 500

// MaxCacheEntries bounds the total indicator cache across all
// (symbol, timeframe) pairs (spec §5: "caches cap total entries ... and
// evict by (age, last-access) when over capacity").
const MaxCacheEntries = 100_000

type window struct {
	symbol    string
	timeframe types.Timeframe
	bars      []types.Bar // ring buffer of finalized bars, oldest first
	capacity  int
	open      *types.Bar // current, not-yet-finalized bar

	cache map[string]cacheEntry
}

type cacheEntry struct {
	value      any
	ok         bool
	lastAccess time.Time
}

// Store owns all rolling windows and the indicator cache exclusively
// (spec §3 ownership rules). Writes take mu for exclusive access; reads
// take mu.RLock, so concurrent readers never block each other but do
// serialize against an in-flight write — not the fully lock-free read
// path spec §4.4 describes, traded for the simplicity of one RWMutex
// guarding both the bar windows and the indicator cache.
type Store struct {
	logger *zap.Logger
	bus    *eventbus.Bus

	mu      sync.RWMutex
	windows map[string]*window

	totalCacheEntries int
}

// New creates an empty market-data store.
func New(logger *zap.Logger, bus *eventbus.Bus) *Store {
	return &Store{
		logger:  logger,
		bus:     bus,
		windows: make(map[string]*window),
	}
}

func windowKey(symbol string, tf types.Timeframe) string {
	return symbol + "|" + string(tf)
}

func (s *Store) windowFor(symbol string, tf types.Timeframe, maxPeriodUsed int) *window {
	key := windowKey(symbol, tf)
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok {
		return w
	}
	cap := DefaultCapacity
	if maxPeriodUsed > cap {
		cap = maxPeriodUsed
	}
	w = &window{
		symbol:    symbol,
		timeframe: tf,
		capacity:  cap,
		cache:     make(map[string]cacheEntry),
	}
	s.windows[key] = w
	return w
}

// EnsureWindow registers a (symbol, timeframe) pair before any ticks
// arrive, so that Strategy Monitor subscriptions have somewhere to read
// from even before the first tick.
func (s *Store) EnsureWindow(symbol string, tf types.Timeframe) {
	s.windowFor(symbol, tf, 0)
}

// OnTick ingests one tick, updating the open bar of every registered
// timeframe for that symbol. Crossing a timeframe boundary finalizes the
// current bar (emitting barClose) and opens a new one; gaps larger than
// one bar duration synthesize empty bars rather than leaving holes (spec
// §4.4).
func (s *Store) OnTick(tick types.Tick) {
	s.mu.RLock()
	var affected []*window
	for _, w := range s.windows {
		if w.symbol == tick.Symbol {
			affected = append(affected, w)
		}
	}
	s.mu.RUnlock()

	for _, w := range affected {
		s.applyTick(w, tick)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Payload: tick})
	}
}

func boundary(t time.Time, d time.Duration) time.Time {
	return t.UTC().Truncate(d)
}

func (s *Store) applyTick(w *window, tick types.Tick) {
	price := tick.Mid()
	d := w.timeframe.Duration()
	openTime := boundary(tick.Timestamp, d)

	var finalizedBars []types.Bar

	s.mu.Lock()

	if w.open == nil {
		w.open = &types.Bar{
			Symbol: w.symbol, Timeframe: w.timeframe, OpenTime: openTime,
			Open: price, High: price, Low: price, Close: price,
		}
		s.mu.Unlock()
		return
	}

	if openTime.Equal(w.open.OpenTime) {
		if price.GreaterThan(w.open.High) {
			w.open.High = price
		}
		if price.LessThan(w.open.Low) {
			w.open.Low = price
		}
		w.open.Close = price
		s.mu.Unlock()
		return
	}

	// Boundary crossed: finalize current bar, synthesizing any gap bars.
	next := w.open.OpenTime.Add(d)
	for next.Before(openTime) || next.Equal(openTime) {
		finalized := *w.open
		finalized.Final = true
		w.finalizeLocked(finalized)
		finalizedBars = append(finalizedBars, finalized)

		lastClose := finalized.Close
		gapBar := types.Bar{
			Symbol: w.symbol, Timeframe: w.timeframe, OpenTime: next,
			Open: lastClose, High: lastClose, Low: lastClose, Close: lastClose,
		}
		w.open = &gapBar

		if next.Equal(openTime) {
			break
		}
		next = next.Add(d)
	}

	// Apply the triggering tick to the freshly opened bar.
	if price.GreaterThan(w.open.High) {
		w.open.High = price
	}
	if price.LessThan(w.open.Low) {
		w.open.Low = price
	}
	w.open.Close = price

	s.mu.Unlock()

	for _, fb := range finalizedBars {
		s.publishBarClose(fb.Symbol, fb.Timeframe, fb)
	}
}

// finalizeLocked appends a finalized bar to the ring buffer (tail-drop
// eviction) and invalidates the window's indicator cache. Caller holds
// s.mu; the caller publishes barClose after releasing it.
func (w *window) finalizeLocked(bar types.Bar) {
	w.bars = append(w.bars, bar)
	if len(w.bars) > w.capacity {
		w.bars = w.bars[1:]
	}
	w.cache = make(map[string]cacheEntry) // atomic invalidation: entire prior-bar generation dropped at once
}

func (s *Store) publishBarClose(symbol string, tf types.Timeframe, bar types.Bar) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBarClose, Payload: bar})
	}
}

// FinalizeBar is called by the Broker Transport's stream consumer when it
// receives an authoritative barClose frame from the bridge, instead of
// deriving the boundary purely from locally-ingested ticks.
func (s *Store) FinalizeBar(bar types.Bar) {
	w := s.windowFor(bar.Symbol, bar.Timeframe, 0)
	s.mu.Lock()
	final := bar
	final.Final = true
	w.finalizeLocked(final)
	w.open = &types.Bar{
		Symbol: bar.Symbol, Timeframe: bar.Timeframe, OpenTime: bar.OpenTime.Add(bar.Timeframe.Duration()),
		Open: bar.Close, High: bar.Close, Low: bar.Close, Close: bar.Close,
	}
	s.mu.Unlock()
	s.publishBarClose(bar.Symbol, bar.Timeframe, final)
}

// Bars returns a read-only snapshot of the finalized bars for
// (symbol, timeframe), oldest first.
func (s *Store) Bars(symbol string, tf types.Timeframe) []types.Bar {
	w := s.windowFor(symbol, tf, 0)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Bar, len(w.bars))
	copy(out, w.bars)
	return out
}

// Value implements the indicator read contract (spec §4.4):
// Value(symbol, timeframe, name, params) -> (value, ok). Returns
// ok=false if there isn't enough history yet.
func (s *Store) Value(symbol string, tf types.Timeframe, name string, params map[string]int) (any, bool) {
	w := s.windowFor(symbol, tf, params["period"])

	s.mu.RLock()
	var lastOpen int64
	if len(w.bars) > 0 {
		lastOpen = w.bars[len(w.bars)-1].OpenTime.Unix()
	}
	key := indicator.Key(name, params, lastOpen)
	if entry, ok := w.cache[key]; ok {
		s.mu.RUnlock()
		return entry.value, entry.ok
	}
	bars := make([]types.Bar, len(w.bars))
	copy(bars, w.bars)
	s.mu.RUnlock()

	value, ok := indicator.Evaluate(name, bars, params)

	s.mu.Lock()
	if s.totalCacheEntries >= MaxCacheEntries {
		s.evictOldestLocked()
	}
	if _, exists := w.cache[key]; !exists {
		s.totalCacheEntries++
	}
	w.cache[key] = cacheEntry{value: value, ok: ok, lastAccess: time.Now()}
	s.mu.Unlock()

	return value, ok
}

// evictOldestLocked first recounts the live cache entries, because a bar
// close drops a window's whole cache without adjusting totalCacheEntries.
// If the store is still at MaxCacheEntries it drops the cache entry stored
// earliest across all windows: lastAccess is set when an entry is stored,
// and cache hits do not refresh it. Caller holds s.mu.
func (s *Store) evictOldestLocked() {
	live := 0
	for _, w := range s.windows {
		live += len(w.cache)
	}
	s.totalCacheEntries = live
	if live < MaxCacheEntries {
		return
	}

	var oldestWindow *window
	var oldestKey string
	var oldestTime time.Time
	for _, w := range s.windows {
		for k, e := range w.cache {
			if oldestTime.IsZero() || e.lastAccess.Before(oldestTime) {
				oldestTime = e.lastAccess
				oldestWindow = w
				oldestKey = k
			}
		}
	}
	if oldestWindow != nil {
		delete(oldestWindow.cache, oldestKey)
		s.totalCacheEntries--
	}
}
