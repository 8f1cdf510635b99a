// Package control implements the Control Client & Heartbeat component
// (spec §4.8): an outbound HTTP client to the control plane that reports
// a liveness heartbeat every 5s, submits command terminal states as they
// occur, and periodically syncs positions/account. Grounded on
// 0xtitan6-polymarket-mm's internal/exchange/client.go (resty-wrapped
// REST client with retry) and internal/exchange/auth.go (HMAC-SHA256
// request signing), adapted from Polymarket's L1/L2 dual-auth to the
// executor's single apiKey/secretKey credential pair.
package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// LinkName identifies this component to the Connection Supervisor,
// matching supervisor.ControlLinkName's value.
const LinkName = "controlHttp"

// maxQueue is the outbound ack queue's bound (spec §4.8: "1,024 entries").
const maxQueue = 1024

// LinkReporter is the subset of the Connection Supervisor's interface
// the Control Client depends on.
type LinkReporter interface {
	ReportLinkState(link string, state types.ConnectionLinkState)
	RecordHeartbeatLatency(d time.Duration)
}

// StatusSource supplies the per-link connection state for heartbeats.
type StatusSource interface {
	Status() types.ConnectionStatus
}

// SafetySource supplies the kill-switch state for heartbeats.
type SafetySource interface {
	IsActive() bool
	Reason() string
}

// MetricsSource supplies the lightweight metrics rollup for heartbeats.
type MetricsSource interface {
	Metrics() types.Metrics
}

// StrategyCountSource reports how many strategies are currently active.
type StrategyCountSource interface {
	ActiveStrategyCount() int
}

// PositionSource supplies open positions and account state for periodic
// sync, owned exclusively by the Broker Transport per spec §3.
type PositionSource interface {
	Positions() []types.Position
	Account() types.AccountSnapshot
}

// StrategySink receives the strategy set returned by /strategies/download.
type StrategySink interface {
	ApplyStrategy(s types.Strategy)
}

// Credential is the executor's control-plane identity, returned once by
// /executor/register and thereafter loaded from persisted state.
type Credential struct {
	ExecutorID string
	APIKey     string
	SecretKey  string
}

// Config configures the Control Client.
type Config struct {
	BaseURL           string
	Name              string
	Platform          string
	BrokerServer      string
	AccountNumber     string
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return 5 * time.Second
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return 10 * time.Second
}

// ackEntry is a queued command-terminal-state report awaiting delivery.
type ackEntry struct {
	CommandID string `json:"-"`
	State     string `json:"state"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client is the Control Client: HTTP register/heartbeat/ack/positions/
// strategies calls, HMAC-signed, with a bounded outbound ack queue.
type Client struct {
	logger *zap.Logger
	cfg    Config
	http   *resty.Client
	link   LinkReporter

	status    StatusSource
	safety    SafetySource
	metrics   MetricsSource
	strategyN StrategyCountSource
	positions PositionSource
	strategies StrategySink

	mu         sync.Mutex
	cred       Credential
	queue      []ackEntry
	overflowed int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Control Client. cred may be zero-valued if registration
// has not happened yet; callers normally load a persisted Credential and
// only call Register when none exists.
func New(logger *zap.Logger, cfg Config, cred Credential, link LinkReporter,
	status StatusSource, safety SafetySource, metrics MetricsSource,
	strategyN StrategyCountSource, positions PositionSource, strategies StrategySink) *Client {

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.requestTimeout()).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		logger:     logger,
		cfg:        cfg,
		http:       httpClient,
		link:       link,
		status:     status,
		safety:     safety,
		metrics:    metrics,
		strategyN:  strategyN,
		positions:  positions,
		strategies: strategies,
		cred:       cred,
		stop:       make(chan struct{}),
	}
}

func (c *Client) reportState(state types.ConnectionLinkState) {
	if c.link != nil {
		c.link.ReportLinkState(LinkName, state)
	}
}

// Credential returns the currently held credential.
func (c *Client) Credential() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// sign computes the HMAC-SHA256 signature over (timestamp || body) using
// the executor's secretKey (spec §6: "HMAC-SHA256 signature over
// (timestamp || body)"), grounded on 0xtitan6's buildHMAC.
func sign(secretKey, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) signedRequest(ctx context.Context) (*resty.Request, string) {
	cred := c.Credential()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+cred.APIKey).
		SetHeader("X-Timestamp", ts)
	return req, ts
}

func (c *Client) attachSignature(req *resty.Request, ts string, body []byte) {
	cred := c.Credential()
	req.SetHeader("X-Signature", sign(cred.SecretKey, ts, string(body)))
}

// Register calls POST /executor/register, stores the returned credential,
// and returns it. Called once, before Start, when no persisted credential
// exists.
func (c *Client) Register(ctx context.Context) (Credential, error) {
	body := map[string]string{
		"name":     c.cfg.Name,
		"platform": c.cfg.Platform,
	}
	if c.cfg.BrokerServer != "" {
		body["brokerServer"] = c.cfg.BrokerServer
	}
	if c.cfg.AccountNumber != "" {
		body["accountNumber"] = c.cfg.AccountNumber
	}

	var result struct {
		ExecutorID string `json:"executorId"`
		APIKey     string `json:"apiKey"`
		SecretKey  string `json:"secretKey"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/executor/register")
	if err != nil {
		return Credential{}, fmt.Errorf("register: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Credential{}, fmt.Errorf("register: status %d: %s", resp.StatusCode(), resp.String())
	}

	cred := Credential{ExecutorID: result.ExecutorID, APIKey: result.APIKey, SecretKey: result.SecretKey}
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
	return cred, nil
}

// DownloadStrategies calls GET /strategies/download and hands each
// returned strategy to the StrategySink.
func (c *Client) DownloadStrategies(ctx context.Context) error {
	req, ts := c.signedRequest(ctx)
	c.attachSignature(req, ts, nil)

	var strategies []types.Strategy
	resp, err := req.SetResult(&strategies).Get("/strategies/download")
	if err != nil {
		c.reportState(types.LinkDisconnected)
		return fmt.Errorf("download strategies: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("download strategies: status %d: %s", resp.StatusCode(), resp.String())
	}
	for _, s := range strategies {
		if c.strategies != nil {
			c.strategies.ApplyStrategy(s)
		}
	}
	return nil
}

// Start begins the 5s heartbeat ticker and the ack-queue flush loop.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.heartbeatLoop(ctx)
	go c.ackFlushLoop(ctx)
}

// Stop halts the background loops.
func (c *Client) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.sendHeartbeat(ctx)
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) {
	report := types.HeartbeatReport{
		ExecutorID: c.Credential().ExecutorID,
		Status:     "running",
	}
	if c.safety != nil {
		report.Safety = types.SafetyState{Active: c.safety.IsActive(), Reason: c.safety.Reason()}
		if report.Safety.Active {
			report.Status = "halted"
		}
	}
	if c.status != nil {
		report.Connections = c.status.Status()
	}
	if c.strategyN != nil {
		report.ActiveStrategyCount = c.strategyN.ActiveStrategyCount()
	}
	if c.positions != nil {
		report.OpenPositionCount = len(c.positions.Positions())
	}
	if c.metrics != nil {
		report.RecentMetrics = c.metrics.Metrics()
	}

	body := map[string]any{
		"executorId":  report.ExecutorID,
		"status":      report.Status,
		"connections": report.Connections,
		"safety":      report.Safety,
		"metrics":     report.RecentMetrics,
	}

	start := time.Now()
	req, ts := c.signedRequest(ctx)
	req.SetBody(body)
	c.attachSignature(req, ts, marshalForSign(body))

	resp, err := req.Post("/executor/heartbeat")
	latency := time.Since(start)
	if err != nil || resp.StatusCode() >= 500 {
		if c.logger != nil {
			c.logger.Warn("heartbeat failed", zap.Error(err))
		}
		c.reportState(types.LinkDisconnected)
		return
	}
	c.reportState(types.LinkConnected)
	if c.link != nil {
		c.link.RecordHeartbeatLatency(latency)
	}
}

// marshalForSign re-derives the exact bytes resty will send so the HMAC
// signature covers the actual wire body. resty marshals SetBody(v) with
// encoding/json internally for a plain map/struct, so mirroring that here
// keeps the signature consistent without reaching into resty internals.
func marshalForSign(body any) []byte {
	b, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return b
}

// SubmitAck enqueues a command terminal-state report for delivery to
// /executor/command/:id/ack. Overflow (queue already at maxQueue) drops
// the oldest entry and increments a counter (spec §4.8).
func (c *Client) SubmitAck(result types.Result) {
	entry := ackEntry{CommandID: result.CommandID, State: string(result.Status)}
	if result.Status == types.StatusCompleted {
		entry.Result = map[string]string{"ticket": result.Ticket}
	}
	if result.Error != "" {
		entry.Error = result.Error
	}

	c.mu.Lock()
	if len(c.queue) >= maxQueue {
		c.queue = c.queue[1:]
		c.overflowed++
	}
	c.queue = append(c.queue, entry)
	c.mu.Unlock()
}

// OverflowCount returns the number of ack entries dropped due to the
// queue bound being exceeded.
func (c *Client) OverflowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflowed
}

func (c *Client) ackFlushLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.flushAcks(ctx)
		}
	}
}

func (c *Client) flushAcks(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		entry := c.queue[0]
		c.mu.Unlock()

		body := map[string]any{"state": entry.State, "result": entry.Result, "error": entry.Error}
		req, ts := c.signedRequest(ctx)
		req.SetBody(body)
		c.attachSignature(req, ts, marshalForSign(body))

		resp, err := req.Post("/executor/command/" + entry.CommandID + "/ack")
		if err != nil || resp.StatusCode() >= 500 {
			// Transient outage: leave the entry queued and retry on the
			// next tick rather than blocking the flush loop.
			return
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
	}
}

// SyncPositions calls POST /executor/positions with the current
// Positions/Account snapshot. The executor calls it only from its
// periodic sync ticker; a fill notice does not trigger a sync.
func (c *Client) SyncPositions(ctx context.Context) error {
	if c.positions == nil {
		return nil
	}
	body := map[string]any{
		"positions": c.positions.Positions(),
		"account":   c.positions.Account(),
	}
	req, ts := c.signedRequest(ctx)
	req.SetBody(body)
	c.attachSignature(req, ts, marshalForSign(body))

	resp, err := req.Post("/executor/positions")
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("sync positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
