// Package killswitch implements the single process-wide atomic flag that
// halts all trading (spec §4.6), generalized from the teacher's
// internal/execution/risk_manager.go triggerKillSwitch/ManualKillSwitch/
// IsDisabled methods.
package killswitch

import (
	"sync/atomic"
	"time"
)

// Switch is the atomic kill-switch. Observing and clearing it is
// lock-free; all trade-admission paths read IsActive.
type Switch struct {
	active atomic.Bool
	reason atomic.Value // string
	since  atomic.Int64 // unix nanos
}

// New returns an inactive kill-switch.
func New() *Switch {
	s := &Switch{}
	s.reason.Store("")
	return s
}

// IsActive reports whether trading is currently halted.
func (s *Switch) IsActive() bool {
	return s.active.Load()
}

// Engage halts trading. Safe to call repeatedly; only the first call in an
// inactive->active transition updates reason/since.
func (s *Switch) Engage(reason string) (transitioned bool) {
	if s.active.CompareAndSwap(false, true) {
		s.reason.Store(reason)
		s.since.Store(time.Now().UnixNano())
		return true
	}
	return false
}

// Resume clears the kill-switch. Per spec §4.6 this must only be invoked
// in response to an explicit, authenticated Resume command — callers are
// responsible for that authentication check before calling Resume.
func (s *Switch) Resume() (transitioned bool) {
	return s.active.CompareAndSwap(true, false)
}

// Reason returns the reason the switch was last engaged for, or "" if
// inactive.
func (s *Switch) Reason() string {
	if !s.IsActive() {
		return ""
	}
	v, _ := s.reason.Load().(string)
	return v
}

// Since returns when the switch was last engaged.
func (s *Switch) Since() time.Time {
	ns := s.since.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
