// Package types defines the shared domain model of the trading-executor
// agent: commands, strategies, bars, ticks, positions, and account state.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Timeframe is a bar duration, M1..D1.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Duration returns the wall-clock length of one bar at this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Bar is an OHLCV candle for one (symbol, timeframe, openTime).
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"openTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Final     bool            `json:"final"`
}

// Tick is a single bid/ask update, never stored long-term.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the midpoint price of the tick.
func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// CommandKind enumerates the kinds of work the dispatcher can execute.
type CommandKind string

const (
	CommandOpenPosition   CommandKind = "OpenPosition"
	CommandClosePosition  CommandKind = "ClosePosition"
	CommandModifyPosition CommandKind = "ModifyPosition"
	CommandCloseAll       CommandKind = "CloseAll"
	CommandPause          CommandKind = "Pause"
	CommandResume         CommandKind = "Resume"
	CommandGetStatus      CommandKind = "GetStatus"
	CommandEmergencyStop  CommandKind = "EmergencyStop"
	CommandStrategyReload CommandKind = "StrategyReload"
)

// KindFamily buckets a CommandKind for rate-limiting and timeout policy.
type KindFamily string

const (
	FamilyTradeMutating KindFamily = "trade-mutating"
	FamilyRead          KindFamily = "read"
	FamilyControl       KindFamily = "control"
)

// Family classifies the command kind for rate limiting and timeouts.
func (k CommandKind) Family() KindFamily {
	switch k {
	case CommandOpenPosition, CommandClosePosition, CommandModifyPosition, CommandCloseAll:
		return FamilyTradeMutating
	case CommandGetStatus:
		return FamilyRead
	default:
		return FamilyControl
	}
}

// Priority is the dispatcher's scheduling class, Low..Urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityUrgent:
		return "Urgent"
	default:
		return "Unknown"
	}
}

// CommandStatus is a command's lifecycle state.
type CommandStatus string

const (
	StatusEnqueued  CommandStatus = "enqueued"
	StatusDeferred  CommandStatus = "deferred"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
	StatusExpired   CommandStatus = "expired"
)

// Command is a unit of work consumed from the push channel or raised
// locally by a strategy signal.
type Command struct {
	ID          string         `json:"id"`
	Kind        CommandKind    `json:"kind"`
	Priority    Priority       `json:"priority"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	RequesterID string         `json:"requesterId"`

	DeferredUntil time.Time `json:"-"`
}

// Result is the terminal outcome of a dispatched command.
type Result struct {
	CommandID   string        `json:"commandId"`
	Status      CommandStatus `json:"status"`
	Ticket      string        `json:"ticket,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completedAt"`
}

// StrategyStatus is a strategy's lifecycle state.
type StrategyStatus string

const (
	StrategyDraft    StrategyStatus = "Draft"
	StrategyActive   StrategyStatus = "Active"
	StrategyPaused   StrategyStatus = "Paused"
	StrategyArchived StrategyStatus = "Archived"
)

// CompareOp is a rule-leaf comparison operator.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpEQ CompareOp = "=="
)

// LogicOp is a rule-tree internal node operator.
type LogicOp string

const (
	LogicAND LogicOp = "AND"
	LogicOR  LogicOp = "OR"
	LogicNOT LogicOp = "NOT"
)

// Operand is one side of a rule-leaf comparison: either a literal value, a
// bare price reference, or an indicator reference.
type Operand struct {
	Literal   *decimal.Decimal `json:"literal,omitempty"`
	Price     bool             `json:"price,omitempty"`
	Indicator *IndicatorRef    `json:"indicator,omitempty"`
}

// IndicatorRef names an indicator and its parameters, e.g. EMA(20).
type IndicatorRef struct {
	Name   string         `json:"name"`
	Params map[string]int `json:"params"`
}

// RuleNode is one node of the entry/exit boolean rule tree. Exactly one of
// (Logic+Children), (Logic=NOT+Children[0]), or (Op+Left+Right) is set.
type RuleNode struct {
	Logic    LogicOp    `json:"logic,omitempty"`
	Children []RuleNode `json:"children,omitempty"`

	Op    CompareOp `json:"op,omitempty"`
	Left  *Operand  `json:"left,omitempty"`
	Right *Operand  `json:"right,omitempty"`
}

// SizingMethod names how position size is computed from a signal.
type SizingMethod string

const (
	SizingFixedLots   SizingMethod = "fixed_lots"
	SizingRiskPercent SizingMethod = "risk_percent"
)

// Sizing parameterizes a strategy's position-sizing method.
type Sizing struct {
	Method     SizingMethod    `json:"method"`
	FixedLots  decimal.Decimal `json:"fixedLots,omitempty"`
	RiskPct    decimal.Decimal `json:"riskPct,omitempty"`
	StopPoints decimal.Decimal `json:"stopPoints,omitempty"`
}

// Filter is a gate (session/volatility/regime) evaluated before entry.
type Filter struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Strategy is a declarative trading definition downloaded from the control
// plane: symbols, timeframe, entry/exit rule trees, filters, and sizing.
type Strategy struct {
	ID         string         `json:"id"`
	Version    int            `json:"version"`
	Symbols    []string       `json:"symbols"`
	Timeframe  Timeframe      `json:"timeframe"`
	EntryRule  RuleNode       `json:"entryRule"`
	ExitRule   RuleNode       `json:"exitRule"`
	Filters    []Filter       `json:"filters"`
	Sizing     Sizing         `json:"sizing"`
	MaxOpen    int            `json:"maxOpen"`
	Status     StrategyStatus `json:"status"`
}

// Signal is a strategy-produced intent to open or close a position,
// pre-validation by the safety layer.
type Signal struct {
	StrategyID string          `json:"strategyId"`
	Symbol     string          `json:"symbol"`
	Kind       CommandKind     `json:"kind"` // OpenPosition or ClosePosition
	Side       OrderSide       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit decimal.Decimal `json:"takeProfit,omitempty"`
	Ticket     string          `json:"ticket,omitempty"` // set for ClosePosition
	Reason     string          `json:"reason"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Position mirrors a broker-owned open position.
type Position struct {
	Ticket        string          `json:"ticket"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Volume        decimal.Decimal `json:"volume"`
	OpenPrice     decimal.Decimal `json:"openPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	OpenTime      time.Time       `json:"openTime"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Swap          decimal.Decimal `json:"swap"`
	Commission    decimal.Decimal `json:"commission"`
}

// AccountSnapshot mirrors broker account state.
type AccountSnapshot struct {
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"freeMargin"`
	MarginLevel decimal.Decimal `json:"marginLevel"`
	Currency    string          `json:"currency"`
	AsOf        time.Time       `json:"asOf"`
}

// SafetyLimits are the account-wide risk/safety limits enforced pre-trade.
type SafetyLimits struct {
	MaxDailyLoss          decimal.Decimal `mapstructure:"max_daily_loss"`
	MaxDailyLossPct       decimal.Decimal `mapstructure:"max_daily_loss_pct"`
	MaxDrawdown           decimal.Decimal `mapstructure:"max_drawdown"`
	MaxDrawdownPct        decimal.Decimal `mapstructure:"max_drawdown_pct"`
	MaxOpenPositions      int             `mapstructure:"max_open_positions"`
	MaxLotSize            decimal.Decimal `mapstructure:"max_lot_size"`
	MaxCorrelation         decimal.Decimal `mapstructure:"max_correlation"`
	MaxTotalExposure       decimal.Decimal `mapstructure:"max_total_exposure"`
	CorrelationLookbackBars int            `mapstructure:"correlation_lookback_bars"`
}

// ConnectionLinkState is one external link's state in the supervisor.
type ConnectionLinkState string

const (
	LinkDisconnected ConnectionLinkState = "Disconnected"
	LinkConnecting   ConnectionLinkState = "Connecting"
	LinkConnected    ConnectionLinkState = "Connected"
	LinkDegraded     ConnectionLinkState = "Degraded"
)

// ConnectionStatus summarizes the three external links for heartbeats.
type ConnectionStatus struct {
	PushIngress    ConnectionLinkState `json:"pushIngress"`
	BrokerTransport ConnectionLinkState `json:"brokerTransport"`
	ControlHTTP    ConnectionLinkState `json:"controlHttp"`
}

// SafetyState summarizes the kill-switch for heartbeats.
type SafetyState struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// Metrics is a lightweight rollup attached to heartbeats.
type Metrics struct {
	QueueDepth      int `json:"queueDepth"`
	RPCInFlight     int `json:"rpcInFlight"`
	CommandsPerMin  int `json:"commandsPerMin"`
}

// HeartbeatReport is the payload POSTed to /executor/heartbeat.
type HeartbeatReport struct {
	ExecutorID         string           `json:"executorId"`
	Status             string           `json:"status"`
	Connections        ConnectionStatus `json:"connections"`
	Safety             SafetyState      `json:"safety"`
	ActiveStrategyCount int             `json:"activeStrategyCount"`
	OpenPositionCount   int             `json:"openPositionCount"`
	RecentMetrics       Metrics         `json:"recentMetrics"`
}
