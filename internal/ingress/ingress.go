// Package ingress implements the Push Ingress component (spec §4.1):
// a websocket client subscribed to a private topic on the control
// plane's push channel, translating inbound event envelopes into
// internal Command values for the Dispatcher. Grounded on the teacher's
// internal/data/market_data.go (connectBinance/readLoop/reconnectMonitor
// websocket-client shape), generalized from Binance market-data streams
// to the control plane's command/kill/strategy.update/resume events.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/retry"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// LinkName identifies this component to the Connection Supervisor.
const LinkName = "pushIngress"

// LinkReporter is the subset of the Connection Supervisor's interface
// Ingress depends on. Kept abstract so this package does not import
// internal/supervisor.
type LinkReporter interface {
	ReportLinkState(link string, state types.ConnectionLinkState)
}

// CommandSink is the subset of the Command Dispatcher's interface
// Ingress depends on, matching the Strategy Monitor's SubmitFunc shape
// so both packages stay decoupled from the concrete dispatcher type.
type CommandSink interface {
	Submit(cmd types.Command) (accepted bool, reason string)
}

// StrategySink receives strategy.update events for the caller to persist
// and hand to the Strategy Monitor.
type StrategySink interface {
	ApplyStrategy(s types.Strategy)
}

// Config configures the push-channel websocket connection.
type Config struct {
	URL          string
	Topic        string
	Credential   string // bearer token, sent as the Authorization header when dialing
	PingInterval time.Duration
}

func (c Config) pingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return 30 * time.Second
}

// envelope is the wire shape of every event received on the topic.
type envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	kindCommand        = "command"
	kindKill           = "kill"
	kindStrategyUpdate = "strategy.update"
	kindResume         = "resume"
)

// dedup is a bounded recent-id set (spec §4.1: "last 4096 ids"),
// evicting the oldest id once full. Not safe for concurrent use; Ingress
// serializes all access through its single read loop.
type dedup struct {
	cap   int
	order []string
	seen  map[string]struct{}
}

func newDedup(cap int) *dedup {
	return &dedup{cap: cap, seen: make(map[string]struct{}, cap)}
}

// seenBefore reports whether id has already passed through, recording it
// if not.
func (d *dedup) seenBefore(id string) bool {
	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, id)
	d.seen[id] = struct{}{}
	return false
}

// Ingress subscribes to the control plane's push channel and turns
// inbound events into Dispatcher submissions.
type Ingress struct {
	logger *zap.Logger
	cfg    Config
	sink   CommandSink
	strat  StrategySink
	ks     *killswitch.Switch
	link   LinkReporter

	mu      sync.Mutex
	conn    *websocket.Conn
	dedup   *dedup
	stop    chan struct{}
	wg      sync.WaitGroup
	dialer  *websocket.Dialer
}

// New creates a Push Ingress client. Call Start to connect and begin
// consuming events.
func New(logger *zap.Logger, cfg Config, sink CommandSink, strat StrategySink, ks *killswitch.Switch, link LinkReporter) *Ingress {
	return &Ingress{
		logger: logger,
		cfg:    cfg,
		sink:   sink,
		strat:  strat,
		ks:     ks,
		link:   link,
		dedup:  newDedup(4096),
		stop:   make(chan struct{}),
		dialer: websocket.DefaultDialer,
	}
}

// Start connects and launches the read loop and reconnect monitor, both
// long-lived tasks per spec §5's scheduling model.
func (in *Ingress) Start(ctx context.Context) {
	in.reportState(types.LinkConnecting)
	in.connect(ctx)

	in.wg.Add(2)
	go in.readLoop(ctx)
	go in.reconnectMonitor(ctx)
}

// Stop halts both loops and closes the connection.
func (in *Ingress) Stop() {
	close(in.stop)
	in.mu.Lock()
	if in.conn != nil {
		in.conn.Close()
	}
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Ingress) reportState(state types.ConnectionLinkState) {
	if in.link != nil {
		in.link.ReportLinkState(LinkName, state)
	}
}

// connect dials the push channel and sends the topic subscription frame.
// On failure it reports Disconnected and leaves in.conn nil; the
// reconnect monitor will retry.
func (in *Ingress) connect(ctx context.Context) {
	header := http.Header{}
	if in.cfg.Credential != "" {
		header.Set("Authorization", "Bearer "+in.cfg.Credential)
	}

	conn, _, err := in.dialer.DialContext(ctx, in.cfg.URL, header)
	if err != nil {
		if in.logger != nil {
			in.logger.Warn("push ingress dial failed", zap.Error(err))
		}
		in.reportState(types.LinkDisconnected)
		return
	}

	sub := map[string]any{"method": "subscribe", "topic": in.cfg.Topic}
	if err := conn.WriteJSON(sub); err != nil {
		if in.logger != nil {
			in.logger.Warn("push ingress subscribe failed", zap.Error(err))
		}
		conn.Close()
		in.reportState(types.LinkDisconnected)
		return
	}

	in.mu.Lock()
	in.conn = conn
	in.mu.Unlock()
	in.reportState(types.LinkConnected)
}

// readLoop blocks on ReadMessage, translating each frame into a command
// or out-of-band kill, until the socket drops or Stop is called. Mirrors
// the teacher's readLoop in internal/data/market_data.go.
func (in *Ingress) readLoop(ctx context.Context) {
	defer in.wg.Done()
	for {
		select {
		case <-in.stop:
			return
		default:
		}

		in.mu.Lock()
		conn := in.conn
		in.mu.Unlock()
		if conn == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if in.logger != nil {
				in.logger.Warn("push ingress socket dropped", zap.Error(err))
			}
			in.mu.Lock()
			in.conn = nil
			in.mu.Unlock()
			in.reportState(types.LinkDisconnected)
			continue
		}

		in.handleMessage(msg)
	}
}

func (in *Ingress) handleMessage(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		if in.logger != nil {
			in.logger.Warn("push ingress malformed envelope", zap.Error(err))
		}
		return
	}

	// Out-of-band kill events bypass the queue entirely (spec §4.1) and
	// are not subject to dedup — a kill is never harmful to re-apply.
	if env.Kind == kindKill {
		in.handleKill(env)
		return
	}

	if env.ID != "" && in.dedup.seenBefore(env.ID) {
		return
	}

	switch env.Kind {
	case kindCommand:
		in.handleCommand(env)
	case kindStrategyUpdate:
		in.handleStrategyUpdate(env)
	case kindResume:
		in.handleCommand(env) // Resume is itself a CommandKind, routed through the same path
	default:
		if in.logger != nil {
			in.logger.Warn("push ingress unknown event kind", zap.String("kind", env.Kind))
		}
	}
}

func (in *Ingress) handleKill(env envelope) {
	var reason struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(env.Payload, &reason)
	if reason.Reason == "" {
		reason.Reason = "kill event from control plane"
	}
	if in.ks != nil {
		in.ks.Engage(reason.Reason)
	}
	if in.logger != nil {
		in.logger.Warn("push ingress received out-of-band kill", zap.String("reason", reason.Reason))
	}
}

func (in *Ingress) handleCommand(env envelope) {
	var cmd types.Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		if in.logger != nil {
			in.logger.Warn("push ingress malformed command payload", zap.Error(err))
		}
		return
	}
	if cmd.ID == "" {
		cmd.ID = env.ID
	}
	if in.sink == nil {
		return
	}
	if accepted, reason := in.sink.Submit(cmd); !accepted && in.logger != nil {
		in.logger.Info("push ingress command rejected by dispatcher",
			zap.String("id", cmd.ID), zap.String("reason", reason))
	}
}

func (in *Ingress) handleStrategyUpdate(env envelope) {
	var s types.Strategy
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		if in.logger != nil {
			in.logger.Warn("push ingress malformed strategy payload", zap.Error(err))
		}
		return
	}
	if in.strat != nil {
		in.strat.ApplyStrategy(s)
	}
}

// reconnectMonitor periodically attempts to reconnect while disconnected,
// backing off per retry.TransportReconnectPolicy. Mirrors the teacher's
// reconnectMonitor in internal/data/market_data.go but uses the shared
// jittered-backoff policy instead of a fixed 5s ticker.
func (in *Ingress) reconnectMonitor(ctx context.Context) {
	defer in.wg.Done()
	policy := retry.TransportReconnectPolicy()
	attempt := 0

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-in.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.mu.Lock()
			connected := in.conn != nil
			in.mu.Unlock()
			if connected {
				attempt = 0
				continue
			}

			attempt++
			if attempt > policy.MaxAttempts {
				if in.logger != nil {
					in.logger.Error("push ingress exhausted reconnect attempts, no further reconnects",
						zap.Int("attempts", attempt-1))
				}
				// On repeated failure Ingress does not fabricate
				// commands. Past the attempt budget it makes no further
				// reconnect attempts and waits here until Stop is called
				// or ctx is cancelled; nothing else resumes reconnecting.
				select {
				case <-in.stop:
					return
				case <-ctx.Done():
					return
				}
			}

			delay := policy.Delay(attempt)
			select {
			case <-in.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			in.reportState(types.LinkConnecting)
			in.connect(ctx)
		}
	}
}
