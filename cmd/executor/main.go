// Command executor is the on-premise trading-executor agent (spec §1):
// it wires the Push Ingress client, Strategy Monitor, Safety Layer,
// Command Dispatcher, Broker Transport, Connection Supervisor and
// Control Client into a single process and runs until signalled.
//
// Exit codes (spec §6): 0 normal shutdown, 1 config error, 2 auth
// failure on register, 3 fatal supervisor escalation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-executor/internal/accounting"
	"github.com/atlas-desktop/trading-executor/internal/config"
	"github.com/atlas-desktop/trading-executor/internal/control"
	"github.com/atlas-desktop/trading-executor/internal/dispatcher"
	"github.com/atlas-desktop/trading-executor/internal/eventbus"
	"github.com/atlas-desktop/trading-executor/internal/ingress"
	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/market"
	"github.com/atlas-desktop/trading-executor/internal/persistence"
	"github.com/atlas-desktop/trading-executor/internal/ratelimit"
	"github.com/atlas-desktop/trading-executor/internal/safety"
	"github.com/atlas-desktop/trading-executor/internal/strategy"
	"github.com/atlas-desktop/trading-executor/internal/supervisor"
	"github.com/atlas-desktop/trading-executor/internal/telemetry"
	"github.com/atlas-desktop/trading-executor/internal/transport"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

const (
	exitOK               = 0
	exitConfigError      = 1
	exitAuthFailure      = 2
	exitFatalEscalation  = 3
	correlationTimeframe = types.TimeframeH1
)

func main() {
	var cfgPath string
	code := exitOK

	root := &cobra.Command{
		Use:   "executor",
		Short: "On-premise trading-executor agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			code = run(cfgPath)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the executor config file")

	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
	os.Exit(code)
}

func setupLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "console"
	encodeLevel := zapcore.CapitalColorLevelEncoder
	if format == "json" {
		encoding = "json"
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// run wires every subsystem, blocks until a shutdown signal or a fatal
// condition, drains in spec §5 order, and returns the process exit code.
func run(cfgPath string) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return exitConfigError
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("starting trading-executor",
		zap.String("name", cfg.Executor.Name),
		zap.String("platform", cfg.Executor.Platform),
	)

	persist, err := persistence.Open(cfg.Persistence.Path)
	if err != nil {
		logger.Error("open persistence store", zap.Error(err))
		return exitConfigError
	}
	defer persist.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ks := killswitch.New()
	if active, reason, err := persist.LoadKillSwitchState(); err != nil {
		logger.Warn("load kill-switch state", zap.Error(err))
	} else if active {
		ks.Engage(reason)
		logger.Warn("kill-switch re-armed from persisted state", zap.String("reason", reason))
	}

	bus := eventbus.New(logger)
	store := market.New(logger, bus)
	tracker := accounting.New(logger)
	tracker.Start(bus)
	defer tracker.Stop()

	telem := telemetry.New()
	limiters := ratelimit.New(ratelimit.DefaultConfig(), nil)
	sup := supervisor.New(logger, ks)

	disp := dispatcher.New(logger, limiters, ks)

	dial := dialBroker(cfg.Broker)
	trans := transport.New(logger, transport.Config{
		Network:       cfg.Broker.Network,
		RPCAddress:    cfg.Broker.RPCAddress,
		StreamAddress: cfg.Broker.StreamAddress,
		RPCTimeout:    cfg.Broker.RPCTimeout,
	}, dial, bus, store, sup)

	safetyMon := safety.NewMonitor(logger, ks)
	safeSrc := &safetyAdapter{trans: trans, store: store, tracker: tracker, limits: cfg.Safety}

	monitor := strategy.New(logger, store, bus, trans, safeSrc, func(cmd types.Command) (bool, string) {
		res := disp.Submit(cmd)
		return res.Accepted, res.Reason
	}, ks)

	strategies, err := persist.LoadStrategies()
	if err != nil {
		logger.Warn("load persisted strategies", zap.Error(err))
	}
	for _, s := range strategies {
		monitor.AddStrategy(s)
	}

	sink := &stratSink{monitor: monitor, persist: persist, logger: logger}

	in := ingress.New(logger, ingress.Config{
		URL:          cfg.Ingress.URL,
		Topic:        cfg.Ingress.Topic,
		Credential:   cfg.Ingress.Credential,
		PingInterval: cfg.Ingress.PingInterval,
	}, &dispatchSink{disp: disp}, sink, ks, sup)

	var cred control.Credential
	if pc, ok, err := persist.LoadCredential(); err != nil {
		logger.Warn("load persisted credential", zap.Error(err))
	} else if ok {
		cred = control.Credential{ExecutorID: pc.ExecutorID, APIKey: pc.APIKey, SecretKey: pc.SecretKey}
	}

	ctrl := control.New(logger, control.Config{
		BaseURL:           cfg.Control.BaseURL,
		Name:              cfg.Executor.Name,
		Platform:          cfg.Executor.Platform,
		BrokerServer:      cfg.Executor.BrokerServer,
		AccountNumber:     cfg.Executor.AccountNumber,
		HeartbeatInterval: cfg.Control.HeartbeatInterval,
		RequestTimeout:    cfg.Control.RequestTimeout,
	}, cred, sup, sup, ks, telem, monitor, trans, sink)

	if cred.ExecutorID == "" {
		registered, err := ctrl.Register(ctx)
		if err != nil {
			logger.Error("register with control plane", zap.Error(err))
			return exitAuthFailure
		}
		if err := persist.SaveCredential(persistence.Credential{
			ExecutorID: registered.ExecutorID, APIKey: registered.APIKey, SecretKey: registered.SecretKey,
		}); err != nil {
			logger.Warn("persist credential", zap.Error(err))
		}
	}

	if err := ctrl.DownloadStrategies(ctx); err != nil {
		logger.Warn("download strategies", zap.Error(err))
	}

	registerDispatcherHandlers(disp, trans, monitor, ks, ctrl, persist, sink)

	disp.OnTerminal(func(res types.Result) {
		telem.RecordCommandCompletion()
		ctrl.SubmitAck(res)
		if err := persist.AppendJournalEntry(res); err != nil {
			logger.Warn("append journal entry", zap.Error(err))
		}
	})

	fatalCh := make(chan string, 1)
	sup.OnFatalEscalation(func(link string) {
		select {
		case fatalCh <- link:
		default:
		}
		cancel()
	})

	monitor.Start()
	disp.Start()
	trans.Start(ctx)
	in.Start(ctx)
	ctrl.Start(ctx)

	stopKillSwitchPoll := make(chan struct{})
	go pollKillSwitchConvergence(ks, disp, persist, stopKillSwitchPoll)

	stopTickers := make(chan struct{})
	go runPeriodicSync(ctx, ctrl, persist, disp, telem, safetyMon, safeSrc, stopTickers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fatal := false
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case link := <-fatalCh:
		logger.Error("fatal supervisor escalation, shutting down", zap.String("link", link))
		fatal = true
	case <-ctx.Done():
	}

	close(stopTickers)
	close(stopKillSwitchPoll)
	cancel()

	// Shutdown order (spec §5): Strategy Monitor first, then the
	// Command Dispatcher (cancels executing commands and waits up to a
	// grace period for their handlers to return),
	// then the Broker Transport last.
	monitor.Stop()
	in.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	disp.Stop(drainCtx)
	drainCancel()

	trans.Stop()
	ctrl.Stop()

	if err := persist.Checkpoint(); err != nil {
		logger.Warn("checkpoint persistence store", zap.Error(err))
	}

	if fatal {
		return exitFatalEscalation
	}
	return exitOK
}

// dialBroker opens the two local broker-bridge connections (RPC and
// stream) the Broker Transport multiplexes over.
func dialBroker(cfg config.BrokerConfig) transport.Dialer {
	network := cfg.Network
	if network == "" {
		network = "unix"
	}
	return func(ctx context.Context) (net.Conn, net.Conn, error) {
		var d net.Dialer
		rpcConn, err := d.DialContext(ctx, network, cfg.RPCAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("dial broker rpc: %w", err)
		}
		streamConn, err := d.DialContext(ctx, network, cfg.StreamAddress)
		if err != nil {
			rpcConn.Close()
			return nil, nil, fmt.Errorf("dial broker stream: %w", err)
		}
		return rpcConn, streamConn, nil
	}
}

// registerDispatcherHandlers binds every CommandKind the Dispatcher can
// execute: the four trade-mutating kinds and GetStatus go straight to the
// Broker Transport's RPC link, while the remaining control-plane kinds
// are handled locally since they never cross the broker bridge.
func registerDispatcherHandlers(disp *dispatcher.Dispatcher, trans *transport.Transport, monitor *strategy.Monitor, ks *killswitch.Switch, ctrl *control.Client, persist *persistence.Store, sink *stratSink) {
	for _, kind := range []types.CommandKind{
		types.CommandOpenPosition, types.CommandClosePosition,
		types.CommandModifyPosition, types.CommandCloseAll, types.CommandGetStatus,
	} {
		disp.RegisterHandler(kind, trans.Dispatch)
	}

	disp.RegisterHandler(types.CommandPause, handlePause(monitor))
	disp.RegisterHandler(types.CommandResume, handleResume(ks, disp, persist))
	disp.RegisterHandler(types.CommandEmergencyStop, handleEmergencyStop(disp, persist))
	disp.RegisterHandler(types.CommandStrategyReload, handleStrategyReload(sink, ctrl))
}

func handlePause(monitor *strategy.Monitor) dispatcher.Handler {
	return func(ctx context.Context, cmd types.Command) (types.Result, error) {
		id, _ := cmd.Payload["strategyId"].(string)
		if id == "" {
			return types.Result{}, fmt.Errorf("pause command missing strategyId")
		}
		if !monitor.SetStatus(id, types.StrategyPaused) {
			return types.Result{}, fmt.Errorf("strategy %s is not loaded", id)
		}
		return types.Result{CommandID: cmd.ID, Status: types.StatusCompleted, CompletedAt: time.Now()}, nil
	}
}

func handleResume(ks *killswitch.Switch, disp *dispatcher.Dispatcher, persist *persistence.Store) dispatcher.Handler {
	return func(ctx context.Context, cmd types.Command) (types.Result, error) {
		if cmd.RequesterID == "" {
			return types.Result{}, fmt.Errorf("resume requires an authenticated control-plane requester")
		}
		ks.Resume()
		disp.ResetKillSwitchLatch()
		if err := persist.SaveKillSwitchState(false, ""); err != nil {
			return types.Result{}, err
		}
		return types.Result{CommandID: cmd.ID, Status: types.StatusCompleted, CompletedAt: time.Now()}, nil
	}
}

func handleEmergencyStop(disp *dispatcher.Dispatcher, persist *persistence.Store) dispatcher.Handler {
	return func(ctx context.Context, cmd types.Command) (types.Result, error) {
		reason, _ := cmd.Payload["reason"].(string)
		if reason == "" {
			reason = "EmergencyStop command"
		}
		disp.EngageKillSwitch(reason)
		if err := persist.SaveKillSwitchState(true, reason); err != nil {
			return types.Result{}, err
		}
		return types.Result{CommandID: cmd.ID, Status: types.StatusCompleted, CompletedAt: time.Now()}, nil
	}
}

func handleStrategyReload(sink *stratSink, ctrl *control.Client) dispatcher.Handler {
	return func(ctx context.Context, cmd types.Command) (types.Result, error) {
		if len(cmd.Payload) > 0 {
			raw, err := json.Marshal(cmd.Payload)
			if err == nil {
				var s types.Strategy
				if json.Unmarshal(raw, &s) == nil && s.ID != "" {
					sink.ApplyStrategy(s)
					return types.Result{CommandID: cmd.ID, Status: types.StatusCompleted, CompletedAt: time.Now()}, nil
				}
			}
		}
		if err := ctrl.DownloadStrategies(ctx); err != nil {
			return types.Result{}, err
		}
		return types.Result{CommandID: cmd.ID, Status: types.StatusCompleted, CompletedAt: time.Now()}, nil
	}
}

// pollKillSwitchConvergence makes EngageKillSwitch a true convergence
// point for CloseAll-on-kill regardless of which subsystem flips the
// switch directly (internal/safety.Monitor and internal/ingress both
// call killswitch.Engage without going through the Dispatcher).
func pollKillSwitchConvergence(ks *killswitch.Switch, disp *dispatcher.Dispatcher, persist *persistence.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if ks.IsActive() {
				disp.EngageKillSwitch(ks.Reason())
				persist.SaveKillSwitchState(true, ks.Reason())
			}
		}
	}
}

// runPeriodicSync drives the position/account sync, the persistence
// checkpoint, the periodic safety-limit breach check (spec §4.6: daily
// loss and drawdown are monitored continuously, not just pre-trade), and
// keeps the telemetry queue-depth gauge current for heartbeats.
func runPeriodicSync(ctx context.Context, ctrl *control.Client, persist *persistence.Store, disp *dispatcher.Dispatcher, telem *telemetry.Collector, safetyMon *safety.Monitor, safeSrc *safetyAdapter, stop <-chan struct{}) {
	syncTicker := time.NewTicker(30 * time.Second)
	checkpointTicker := time.NewTicker(time.Minute)
	metricsTicker := time.NewTicker(time.Second)
	safetyTicker := time.NewTicker(5 * time.Second)
	defer syncTicker.Stop()
	defer checkpointTicker.Stop()
	defer metricsTicker.Stop()
	defer safetyTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			ctrl.SyncPositions(ctx)
		case <-checkpointTicker.C:
			persist.Checkpoint()
		case <-metricsTicker.C:
			telem.SetQueueDepth(disp.QueueDepth())
			telem.SetRPCInFlight(disp.InFlight())
		case <-safetyTicker.C:
			safetyMon.Check(safeSrc.Snapshot(""))
		}
	}
}

// stratSink applies a strategy.update to the Strategy Monitor and
// persists it, satisfying both ingress.StrategySink and
// control.StrategySink's identical ApplyStrategy shape.
type stratSink struct {
	monitor *strategy.Monitor
	persist *persistence.Store
	logger  *zap.Logger
}

func (s *stratSink) ApplyStrategy(st types.Strategy) {
	if st.Status == types.StrategyArchived {
		s.monitor.RemoveStrategy(st.ID)
		if err := s.persist.DeleteStrategy(st.ID); err != nil {
			s.logger.Warn("delete archived strategy", zap.String("strategyId", st.ID), zap.Error(err))
		}
		return
	}
	s.monitor.Reload(st)
	if err := s.persist.SaveStrategy(st); err != nil {
		s.logger.Warn("persist strategy", zap.String("strategyId", st.ID), zap.Error(err))
	}
}

// dispatchSink adapts the Command Dispatcher's SubmitResult-returning
// Submit to ingress.CommandSink's (bool, string) shape.
type dispatchSink struct {
	disp *dispatcher.Dispatcher
}

func (d *dispatchSink) Submit(cmd types.Command) (bool, string) {
	res := d.disp.Submit(cmd)
	return res.Accepted, res.Reason
}

// safetyAdapter assembles a safety.Snapshot fresh for every pre-trade
// check (spec §4.6), pulling positions/account from the Broker Transport
// and daily P&L/peak-equity from the accounting Tracker. Correlation
// returns are computed over a single reference timeframe (H1) since
// open positions carry no per-symbol timeframe of their own; this is an
// implementer choice for the open question left by spec §9's
// correlation-lookback default.
type safetyAdapter struct {
	trans   *transport.Transport
	store   *market.Store
	tracker *accounting.Tracker
	limits  types.SafetyLimits
}

func (a *safetyAdapter) Snapshot(symbol string) safety.Snapshot {
	positions := a.trans.Positions()
	account := a.trans.Account()

	unrealized := decimal.Zero
	for _, p := range positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}

	lookback := a.limits.CorrelationLookbackBars
	if lookback <= 0 {
		lookback = 100
	}

	returns := make(map[string][]float64)
	addReturns := func(sym string) {
		if _, ok := returns[sym]; ok {
			return
		}
		bars := a.store.Bars(sym, correlationTimeframe)
		if len(bars) > lookback+1 {
			bars = bars[len(bars)-(lookback+1):]
		}
		returns[sym] = closeToCloseReturns(bars)
	}
	addReturns(symbol)
	for _, p := range positions {
		addReturns(p.Symbol)
	}

	return safety.Snapshot{
		Account:            account,
		Positions:          positions,
		Limits:             a.limits,
		DailyRealizedPnL:   a.tracker.DailyRealizedPnL(),
		DailyUnrealizedPnL: unrealized,
		PeakEquity:         a.tracker.PeakEquity(),
		ReturnsBySymbol:    returns,
	}
}

func closeToCloseReturns(bars []types.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, _ := bars[i-1].Close.Float64()
		cur, _ := bars[i].Close.Float64()
		if prev == 0 {
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}
