// Package transport implements the Broker Transport (spec §4.3): the
// local socket pair to the broker bridge — an RPC socket for order
// operations correlated by reqId, and a one-way stream socket for
// ticks, position updates, account snapshots, and fill notices.
// Grounded on the teacher's internal/api/websocket.go (ReadPump/WritePump
// pairing, ping/pong liveness) and internal/data/market_data.go
// (reconnect monitor), generalized from gorilla/websocket framing to
// length-prefixed JSON frames over a local socket, per spec §4.3's wire
// framing.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/errs"
	"github.com/atlas-desktop/trading-executor/internal/eventbus"
	"github.com/atlas-desktop/trading-executor/internal/market"
	"github.com/atlas-desktop/trading-executor/internal/retry"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// LinkName identifies this component to the Connection Supervisor.
const LinkName = "brokerTransport"

// maxFrameSize is the maximum length-prefixed frame accepted on either
// socket (spec §4.3: "maximum frame size 256 KiB").
const maxFrameSize = 256 * 1024

// maxPendingRPCs bounds the reqId correlation table (spec §4.3: "at most
// K concurrent (default 64)").
const maxPendingRPCs = 64

// LinkReporter is the subset of the Connection Supervisor's interface
// the transport depends on, matching internal/ingress's abstraction.
type LinkReporter interface {
	ReportLinkState(link string, state types.ConnectionLinkState)
}

// Dialer opens the two sockets to the broker bridge. In production this
// dials a pair of Unix domain sockets; tests supply an in-memory pipe.
type Dialer func(ctx context.Context) (rpcConn net.Conn, streamConn net.Conn, err error)

// Config configures the Broker Transport.
type Config struct {
	RPCAddress      string
	StreamAddress   string
	Network         string // "unix" or "tcp"
	RPCTimeout      time.Duration
}

func (c Config) rpcTimeout() time.Duration {
	if c.RPCTimeout > 0 {
		return c.RPCTimeout
	}
	return 10 * time.Second
}

// frame is the wire envelope for both sockets: length-prefixed JSON.
type frame struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"reqId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func writeFrame(w io.Writer, f frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return &errs.TransportError{Kind: errs.TransportMalformed, Msg: "outbound frame exceeds max size"}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r *bufio.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		// Discard the frame per spec §4.3 rather than desyncing the stream.
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return frame{}, err
		}
		return frame{}, &errs.TransportError{Kind: errs.TransportMalformed, Msg: "inbound frame exceeds max size, discarded"}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, &errs.TransportError{Kind: errs.TransportMalformed, Msg: "malformed frame: " + err.Error()}
	}
	return f, nil
}

type pendingCall struct {
	reply chan frame
	done  chan struct{}
}

// Transport owns the RPC and stream sockets, the reqId correlation
// table, and the local Position/Account cache (spec §3 ownership rules:
// "Positions and the account snapshot are exclusively owned by the
// Broker transport").
type Transport struct {
	logger *zap.Logger
	cfg    Config
	dial   Dialer
	bus    *eventbus.Bus
	store  *market.Store
	link   LinkReporter

	connMu     sync.Mutex
	rpcConn    net.Conn
	streamConn net.Conn
	rpcWriteMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	stateMu      sync.RWMutex
	positions    map[string]types.Position // ticket -> position
	strategyTag  map[string]string         // ticket -> strategyId that opened it
	account      types.AccountSnapshot
	tradeAllowed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Broker Transport. Call Start to dial and begin serving.
func New(logger *zap.Logger, cfg Config, dial Dialer, bus *eventbus.Bus, store *market.Store, link LinkReporter) *Transport {
	return &Transport{
		logger:      logger,
		cfg:         cfg,
		dial:        dial,
		bus:         bus,
		store:       store,
		link:        link,
		pending:     make(map[string]*pendingCall),
		positions:   make(map[string]types.Position),
		strategyTag: make(map[string]string),
		stop:        make(chan struct{}),
	}
}

func (t *Transport) reportState(s types.ConnectionLinkState) {
	if t.link != nil {
		t.link.ReportLinkState(LinkName, s)
	}
}

// Start dials both sockets and launches the stream read loop and the
// reconnect monitor.
func (t *Transport) Start(ctx context.Context) {
	t.reportState(types.LinkConnecting)
	t.connect(ctx)

	t.wg.Add(2)
	go t.streamReadLoop(ctx)
	go t.reconnectMonitor(ctx)
}

// Stop halts both loops and closes the sockets.
func (t *Transport) Stop() {
	close(t.stop)
	t.connMu.Lock()
	if t.rpcConn != nil {
		t.rpcConn.Close()
	}
	if t.streamConn != nil {
		t.streamConn.Close()
	}
	t.connMu.Unlock()
	t.wg.Wait()
}

func (t *Transport) connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.rpcConn != nil && t.streamConn != nil
}

// connect dials both sockets and, on success, spawns the RPC read loop
// and kicks off the post-reconnect resync before admitting trade
// mutations again (spec §4.3: "re-synchronizes by requesting a fresh
// positions + account snapshot before accepting new trade mutations").
func (t *Transport) connect(ctx context.Context) {
	rpcConn, streamConn, err := t.dial(ctx)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("broker transport dial failed", zap.Error(err))
		}
		t.reportState(types.LinkDisconnected)
		return
	}

	t.connMu.Lock()
	t.rpcConn = rpcConn
	t.streamConn = streamConn
	t.connMu.Unlock()

	t.stateMu.Lock()
	t.tradeAllowed = false
	t.stateMu.Unlock()

	t.wg.Add(1)
	go t.rpcReadLoop(rpcConn)

	t.reportState(types.LinkConnected)
	go t.resync(ctx)
}

// resync requests a fresh positions+account snapshot before admitting
// trade mutations.
func (t *Transport) resync(ctx context.Context) {
	posCtx, cancel := context.WithTimeout(ctx, t.cfg.rpcTimeout())
	defer cancel()
	if reply, err := t.call(posCtx, "getPositions", nil); err == nil {
		var positions []types.Position
		if json.Unmarshal(reply.Payload, &positions) == nil {
			t.stateMu.Lock()
			t.positions = make(map[string]types.Position, len(positions))
			for _, p := range positions {
				t.positions[p.Ticket] = p
			}
			t.stateMu.Unlock()
		}
	} else if t.logger != nil {
		t.logger.Warn("broker transport resync getPositions failed", zap.Error(err))
	}

	accCtx, cancel2 := context.WithTimeout(ctx, t.cfg.rpcTimeout())
	defer cancel2()
	if reply, err := t.call(accCtx, "getAccount", nil); err == nil {
		var acc types.AccountSnapshot
		if json.Unmarshal(reply.Payload, &acc) == nil {
			t.stateMu.Lock()
			t.account = acc
			t.stateMu.Unlock()
		}
	} else if t.logger != nil {
		t.logger.Warn("broker transport resync getAccount failed", zap.Error(err))
	}

	t.stateMu.Lock()
	t.tradeAllowed = true
	t.stateMu.Unlock()
}

// disconnect tears down both sockets, fails every outstanding RPC waiter
// with Disconnected (retryable), and reports the link down.
func (t *Transport) disconnect() {
	t.connMu.Lock()
	if t.rpcConn != nil {
		t.rpcConn.Close()
		t.rpcConn = nil
	}
	if t.streamConn != nil {
		t.streamConn.Close()
		t.streamConn = nil
	}
	t.connMu.Unlock()

	t.stateMu.Lock()
	t.tradeAllowed = false
	t.stateMu.Unlock()

	t.pendingMu.Lock()
	for id, pc := range t.pending {
		select {
		case pc.reply <- frame{Type: "error", Payload: json.RawMessage(`{"kind":"Disconnected"}`)}:
		default:
		}
		close(pc.done)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	t.reportState(types.LinkDisconnected)
}

// reconnectMonitor backs off per retry.TransportReconnectPolicy and
// reconnects while disconnected, escalating to the Supervisor by simply
// reporting Disconnected past the attempt budget — the Supervisor owns
// the actual kill-switch escalation decision (spec §4.7).
func (t *Transport) reconnectMonitor(ctx context.Context) {
	defer t.wg.Done()
	policy := retry.TransportReconnectPolicy()
	attempt := 0

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.connected() {
				attempt = 0
				continue
			}
			attempt++
			if attempt > policy.MaxAttempts {
				if t.logger != nil {
					t.logger.Error("broker transport exhausted reconnect attempts, escalating",
						zap.Int("attempts", attempt-1))
				}
				select {
				case <-t.stop:
					return
				case <-ctx.Done():
					return
				}
			}
			delay := policy.Delay(attempt)
			select {
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			t.reportState(types.LinkConnecting)
			t.connect(ctx)
		}
	}
}

// call issues one RPC and blocks for a reply, a transport-level failure,
// or the context deadline. Backpressure: if the pending table is at
// capacity, call blocks until a slot frees or ctx is done.
func (t *Transport) call(ctx context.Context, kind string, payload any) (frame, error) {
	t.pendingMu.Lock()
	for len(t.pending) >= maxPendingRPCs {
		t.pendingMu.Unlock()
		select {
		case <-ctx.Done():
			return frame{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		t.pendingMu.Lock()
	}

	reqID := uuid.NewString()
	pc := &pendingCall{reply: make(chan frame, 1), done: make(chan struct{})}
	t.pending[reqID] = pc
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, reqID)
		t.pendingMu.Unlock()
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return frame{}, err
	}

	t.connMu.Lock()
	conn := t.rpcConn
	t.connMu.Unlock()
	if conn == nil {
		return frame{}, &errs.TransportError{Kind: errs.TransportDisconnected, Msg: "rpc socket not connected"}
	}

	t.rpcWriteMu.Lock()
	err = writeFrame(conn, frame{Type: kind, ReqID: reqID, Payload: body})
	t.rpcWriteMu.Unlock()
	if err != nil {
		return frame{}, &errs.TransportError{Kind: errs.TransportDisconnected, Msg: "rpc write failed: " + err.Error()}
	}

	select {
	case reply := <-pc.reply:
		if reply.Type == "error" {
			return frame{}, &errs.TransportError{Kind: errs.TransportDisconnected, Msg: "connection reset while awaiting reply"}
		}
		return reply, nil
	case <-ctx.Done():
		return frame{}, &errs.TransportError{Kind: errs.TransportTimeout, Msg: "rpc timed out"}
	case <-pc.done:
		return frame{}, &errs.TransportError{Kind: errs.TransportDisconnected, Msg: "connection reset while awaiting reply"}
	}
}

// rpcReadLoop demultiplexes replies on the RPC socket to their waiting
// callers by reqId. Unmatched replies are logged and dropped. A late
// reply after its caller's timeout lands here with no pending entry and
// is logged and dropped the same way; it is not told apart from other
// unmatched replies.
func (t *Transport) rpcReadLoop(conn net.Conn) {
	defer t.wg.Done()
	r := bufio.NewReader(conn)
	for {
		f, err := readFrame(r)
		if err != nil {
			if err == io.EOF || isClosed(err) {
				t.disconnect()
				return
			}
			if te, ok := err.(*errs.TransportError); ok && te.Kind == errs.TransportMalformed {
				if t.logger != nil {
					t.logger.Warn("broker transport discarded malformed rpc frame", zap.Error(err))
				}
				continue
			}
			t.disconnect()
			return
		}

		t.pendingMu.Lock()
		pc, ok := t.pending[f.ReqID]
		t.pendingMu.Unlock()
		if !ok {
			if t.logger != nil {
				t.logger.Warn("broker transport unmatched rpc reply", zap.String("reqId", f.ReqID))
			}
			continue
		}
		select {
		case pc.reply <- f:
		default:
		}
	}
}

// streamReadLoop consumes the one-way broker->executor stream, updating
// the Market-Data Store and the local Position/Account cache in the
// exact order frames arrive (spec §4.3: "preserve per-symbol
// monotonicity").
func (t *Transport) streamReadLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		t.connMu.Lock()
		conn := t.streamConn
		t.connMu.Unlock()
		if conn == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		r := bufio.NewReader(conn)
		for {
			f, err := readFrame(r)
			if err != nil {
				if isClosed(err) || err == io.EOF {
					t.disconnect()
					break
				}
				if te, ok := err.(*errs.TransportError); ok && te.Kind == errs.TransportMalformed {
					if t.logger != nil {
						t.logger.Warn("broker transport discarded malformed stream frame", zap.Error(err))
					}
					continue
				}
				t.disconnect()
				break
			}
			t.handleStreamFrame(f)
		}
	}
}

func (t *Transport) handleStreamFrame(f frame) {
	switch f.Type {
	case "tick":
		var tick types.Tick
		if json.Unmarshal(f.Payload, &tick) == nil && t.store != nil {
			t.store.OnTick(tick)
		}
	case "positionUpdate":
		var pos types.Position
		if json.Unmarshal(f.Payload, &pos) == nil {
			t.stateMu.Lock()
			if pos.Volume.IsZero() {
				delete(t.positions, pos.Ticket)
				delete(t.strategyTag, pos.Ticket)
			} else {
				t.positions[pos.Ticket] = pos
			}
			t.stateMu.Unlock()
			if t.bus != nil {
				t.bus.Publish(eventbus.Event{Type: eventbus.TypePosition, Payload: pos})
			}
		}
	case "accountSnapshot":
		var acc types.AccountSnapshot
		if json.Unmarshal(f.Payload, &acc) == nil {
			t.stateMu.Lock()
			t.account = acc
			t.stateMu.Unlock()
			if t.bus != nil {
				t.bus.Publish(eventbus.Event{Type: eventbus.TypeAccount, Payload: acc})
			}
		}
	case "fillNotice":
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.TypeExecution, Payload: f.Payload})
		}
	case "barClose":
		var body struct {
			Symbol    string         `json:"symbol"`
			Timeframe types.Timeframe `json:"timeframe"`
			Bar       types.Bar      `json:"bar"`
		}
		if json.Unmarshal(f.Payload, &body) == nil && t.store != nil {
			t.store.FinalizeBar(body.Bar)
		}
	default:
		if t.logger != nil {
			t.logger.Warn("broker transport unknown stream frame type", zap.String("type", f.Type))
		}
	}
}

// Dispatch is the dispatcher.Handler for every trade-mutating and
// account-read command kind, translating a Command into an RPC call.
func (t *Transport) Dispatch(ctx context.Context, cmd types.Command) (types.Result, error) {
	t.stateMu.RLock()
	allowed := t.tradeAllowed
	t.stateMu.RUnlock()
	if cmd.Kind.Family() == types.FamilyTradeMutating && !allowed {
		return types.Result{}, &errs.TransportError{Kind: errs.TransportDisconnected, Msg: "resync in progress, trade mutations not yet admitted"}
	}

	reply, err := t.call(ctx, string(cmd.Kind), cmd.Payload)
	if err != nil {
		return types.Result{}, err
	}

	var body struct {
		Ticket string `json:"ticket"`
		Reject *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"reject,omitempty"`
	}
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		return types.Result{}, &errs.TransportError{Kind: errs.TransportMalformed, Msg: "malformed reply body"}
	}
	if body.Reject != nil {
		return types.Result{}, &errs.BrokerReject{Code: body.Reject.Code, Message: body.Reject.Message}
	}

	if cmd.Kind == types.CommandOpenPosition && body.Ticket != "" {
		if strategyID, _ := cmd.Payload["strategyId"].(string); strategyID != "" {
			t.stateMu.Lock()
			t.strategyTag[body.Ticket] = strategyID
			t.stateMu.Unlock()
		}
	}

	return types.Result{
		CommandID:   cmd.ID,
		Status:      types.StatusCompleted,
		Ticket:      body.Ticket,
		CompletedAt: time.Now(),
	}, nil
}

// OpenPosition implements strategy.PositionTracker: reports whether the
// given strategy currently holds an open position in symbol.
func (t *Transport) OpenPosition(strategyID, symbol string) (string, bool) {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	for ticket, sid := range t.strategyTag {
		if sid != strategyID {
			continue
		}
		if p, ok := t.positions[ticket]; ok && p.Symbol == symbol {
			return ticket, true
		}
	}
	return "", false
}

// Positions returns a snapshot of all currently open positions.
func (t *Transport) Positions() []types.Position {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

// Account returns the last known account snapshot.
func (t *Transport) Account() types.AccountSnapshot {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.account
}

func isClosed(err error) bool {
	return err == io.ErrClosedPipe || err == net.ErrClosed || err == io.ErrUnexpectedEOF
}
