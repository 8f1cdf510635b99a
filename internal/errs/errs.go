// Package errs implements the executor's error taxonomy (spec §7). Every
// subsystem boundary converts foreign errors into one of these kinds so
// that callers can classify failures with errors.As instead of string
// matching.
package errs

import "fmt"

// ConfigError is fatal at startup: bad config or a missing credential.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

// AuthError means a credential was rejected by the control plane or broker.
// Fatal; requires operator action.
type AuthError struct{ Msg string }

func (e *AuthError) Error() string { return "auth error: " + e.Msg }

// TransportKind distinguishes TransportError variants.
type TransportKind string

const (
	TransportDisconnected TransportKind = "Disconnected"
	TransportTimeout      TransportKind = "Timeout"
	TransportMalformed    TransportKind = "Malformed"
)

// TransportError is retryable at the transport layer with backoff, except
// for TransportMalformed which indicates a framing violation.
type TransportError struct {
	Kind TransportKind
	Msg  string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %s", e.Kind, e.Msg)
}

// Retryable reports whether the caller should retry this transport failure.
func (e *TransportError) Retryable() bool {
	return e.Kind == TransportDisconnected || e.Kind == TransportTimeout
}

// BrokerReject is a logical rejection of an order by the broker bridge.
// Not retried; surfaced upstream.
type BrokerReject struct {
	Code    string
	Message string
}

func (e *BrokerReject) Error() string {
	return fmt.Sprintf("broker rejected order [%s]: %s", e.Code, e.Message)
}

// SafetyReject is a pre-trade validator rejection. Not retried; surfaced
// upstream.
type SafetyReject struct {
	Rule string
}

func (e *SafetyReject) Error() string { return "safety rejected: " + e.Rule }

// ErrKillSwitchActive is returned when a trade-mutating command is
// attempted while the kill-switch is engaged.
type ErrKillSwitchActive struct{}

func (e *ErrKillSwitchActive) Error() string { return "kill-switch active" }

// ErrBackpressure is returned when a bounded queue is full.
type ErrBackpressure struct{ Queue string }

func (e *ErrBackpressure) Error() string { return "backpressure: " + e.Queue + " queue full" }

// ErrTimeout is returned when a per-operation deadline is exceeded.
type ErrTimeout struct{ Op string }

func (e *ErrTimeout) Error() string { return "timeout: " + e.Op }

// InternalError is an invariant violation. It triggers the kill-switch and
// escalation, and captures a stack sample for the next heartbeat.
type InternalError struct {
	Msg   string
	Stack string
}

func (e *InternalError) Error() string { return "internal error: " + e.Msg }
