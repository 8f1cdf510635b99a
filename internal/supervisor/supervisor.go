// Package supervisor implements the Connection Supervisor (spec §4.7):
// aggregates the liveness of the three external links (Push Ingress,
// Broker Transport, Control HTTP), detects degradation, and escalates
// once a link exhausts its reconnect budget: every escalation is logged,
// and only the Broker Transport's also engages the kill-switch.
// Grounded on the teacher's reconnectMonitor ticker pattern (seen in
// internal/data/market_data.go), generalized from one Binance socket to
// three independently-tracked links.
package supervisor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/ingress"
	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/transport"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// ControlLinkName identifies the Control HTTP link.
const ControlLinkName = "controlHttp"

// maxConsecutiveFailures is the reconnect budget before escalation (spec
// §4.7: "maximum 10 attempts before Supervisor escalates").
const maxConsecutiveFailures = 10

// degradedWindow is the rolling window the >25% failed-RPC / >3x
// baseline-latency heuristic is evaluated over (spec §4.7).
const degradedWindow = 30 * time.Second

// fatalLinks names the links whose escalation is always fatal to
// trading (spec §4.7: "Broker Transport escalation is always fatal").
var fatalLinks = map[string]bool{
	transport.LinkName: true,
}

type linkTracker struct {
	state               types.ConnectionLinkState
	consecutiveFailures int
	escalated           bool

	windowStart  time.Time
	rpcTotal     int
	rpcFailed    int
	lastLatency  time.Duration
	baselineNS   int64 // frozen at the first recorded sample; never reset by the rolling window
}

// Supervisor tracks per-link state and escalates via the kill-switch.
type Supervisor struct {
	logger *zap.Logger
	ks     *killswitch.Switch

	mu    sync.Mutex
	links map[string]*linkTracker

	onFatal func(link string)
}

// New creates a Supervisor covering the three standard links.
func New(logger *zap.Logger, ks *killswitch.Switch) *Supervisor {
	s := &Supervisor{
		logger: logger,
		ks:     ks,
		links:  make(map[string]*linkTracker),
	}
	for _, name := range []string{ingress.LinkName, transport.LinkName, ControlLinkName} {
		s.links[name] = &linkTracker{state: types.LinkDisconnected}
	}
	return s
}

// OnFatalEscalation registers a callback invoked when a link named in
// fatalLinks exhausts its reconnect budget (spec §6 exit code 3: "fatal
// supervisor escalation"). The process entrypoint uses this to exit
// rather than continue running with trading permanently halted.
func (s *Supervisor) OnFatalEscalation(fn func(link string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFatal = fn
}

// ReportLinkState implements the LinkReporter interface both
// internal/ingress and internal/transport depend on abstractly.
func (s *Supervisor) ReportLinkState(link string, state types.ConnectionLinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lt, ok := s.links[link]
	if !ok {
		lt = &linkTracker{}
		s.links[link] = lt
	}

	prev := lt.state
	lt.state = state

	switch state {
	case types.LinkConnected:
		lt.consecutiveFailures = 0
		lt.escalated = false
	case types.LinkDisconnected:
		if prev != types.LinkDisconnected {
			lt.consecutiveFailures++
		}
		if lt.consecutiveFailures >= maxConsecutiveFailures && !lt.escalated {
			lt.escalated = true
			s.escalate(link)
		}
	}
}

// escalate engages the kill-switch when the link is fatal on its own;
// non-fatal links (Push Ingress, Control HTTP) only surface an alert.
func (s *Supervisor) escalate(link string) {
	if s.logger != nil {
		s.logger.Error("connection supervisor escalating: reconnect budget exhausted",
			zap.String("link", link))
	}
	if fatalLinks[link] && s.ks != nil {
		s.ks.Engage("broker transport link exhausted reconnect attempts")
		if s.onFatal != nil {
			go s.onFatal(link)
		}
	}
}

// RecordRPCOutcome feeds the Degraded heuristic for RPC-bearing links.
func (s *Supervisor) RecordRPCOutcome(link string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lt := s.linkLocked(link)
	s.rollWindowLocked(lt)
	lt.rpcTotal++
	if !success {
		lt.rpcFailed++
	}
	s.evaluateDegradedLocked(link, lt)
}

// RecordHeartbeatLatency feeds the Degraded heuristic for the Control
// HTTP link's heartbeat cadence.
func (s *Supervisor) RecordHeartbeatLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lt := s.linkLocked(ControlLinkName)
	s.rollWindowLocked(lt)
	if lt.baselineNS == 0 {
		lt.baselineNS = int64(d)
	}
	lt.lastLatency = d
	s.evaluateDegradedLocked(ControlLinkName, lt)
}

func (s *Supervisor) linkLocked(link string) *linkTracker {
	lt, ok := s.links[link]
	if !ok {
		lt = &linkTracker{}
		s.links[link] = lt
	}
	return lt
}

func (s *Supervisor) rollWindowLocked(lt *linkTracker) {
	now := time.Now()
	if lt.windowStart.IsZero() {
		lt.windowStart = now
		return
	}
	if now.Sub(lt.windowStart) > degradedWindow {
		lt.windowStart = now
		lt.rpcTotal, lt.rpcFailed = 0, 0
	}
}

func (s *Supervisor) evaluateDegradedLocked(link string, lt *linkTracker) {
	if lt.state != types.LinkConnected && lt.state != types.LinkDegraded {
		return
	}
	degraded := false
	if lt.rpcTotal >= 4 && float64(lt.rpcFailed)/float64(lt.rpcTotal) > 0.25 {
		degraded = true
	}
	if lt.baselineNS > 0 && int64(lt.lastLatency) > 3*lt.baselineNS {
		degraded = true
	}
	if degraded {
		lt.state = types.LinkDegraded
	} else if lt.state == types.LinkDegraded {
		lt.state = types.LinkConnected
	}
}

// Status returns the combined per-link state for heartbeats (spec §4.7:
// "Expose one combined status to the UI and heartbeats").
func (s *Supervisor) Status() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ConnectionStatus{
		PushIngress:     s.links[ingress.LinkName].state,
		BrokerTransport: s.links[transport.LinkName].state,
		ControlHTTP:     s.links[ControlLinkName].state,
	}
}
