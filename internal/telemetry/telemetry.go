// Package telemetry collects the lightweight process-local metrics
// attached to Control Client heartbeats (spec §4.8's recentMetrics:
// queue depth, RPC in-flight, commands/min). The teacher's go.mod
// declares prometheus/client_golang but never wires it into any
// component; this package puts it to real use as an in-process
// Registry whose Gather()'d values feed types.Metrics directly, without
// standing up the scrape HTTP endpoint spec.md §6 forbids (the executor
// exposes no listening ports).
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// Collector tracks queue depth, in-flight RPCs, and command throughput.
type Collector struct {
	registry *prometheus.Registry

	queueDepth  prometheus.Gauge
	rpcInFlight prometheus.Gauge
	commands    prometheus.Counter

	mu         sync.Mutex
	lastCount  float64
	lastSample time.Time
}

// New creates a Collector with its own private registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "executor_queue_depth",
			Help: "Number of commands queued but not yet executing in the Command Dispatcher.",
		}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "executor_rpc_in_flight",
			Help: "Number of Broker Transport RPC calls currently awaiting a reply.",
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_commands_total",
			Help: "Total commands that have reached a terminal state.",
		}),
	}
	c.registry.MustRegister(c.queueDepth, c.rpcInFlight, c.commands)
	c.lastSample = time.Now()
	return c
}

// SetQueueDepth records the Command Dispatcher's current queue depth.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SetRPCInFlight records the Broker Transport's current in-flight RPC count.
func (c *Collector) SetRPCInFlight(n int) {
	c.rpcInFlight.Set(float64(n))
}

// RecordCommandCompletion increments the terminal-command counter,
// called from the Command Dispatcher's OnTerminal hook.
func (c *Collector) RecordCommandCompletion() {
	c.commands.Inc()
}

// Metrics gathers the current values into a types.Metrics snapshot.
// CommandsPerMin is the throughput rate since the previous call,
// extrapolated to a one-minute window.
func (c *Collector) Metrics() types.Metrics {
	var queueDepth, rpcInFlight, total float64

	mfs, err := c.registry.Gather()
	if err == nil {
		for _, mf := range mfs {
			switch mf.GetName() {
			case "executor_queue_depth":
				queueDepth = mf.GetMetric()[0].GetGauge().GetValue()
			case "executor_rpc_in_flight":
				rpcInFlight = mf.GetMetric()[0].GetGauge().GetValue()
			case "executor_commands_total":
				total = mf.GetMetric()[0].GetCounter().GetValue()
			}
		}
	}

	c.mu.Lock()
	elapsed := time.Since(c.lastSample)
	delta := total - c.lastCount
	c.lastCount = total
	c.lastSample = time.Now()
	c.mu.Unlock()

	commandsPerMin := 0.0
	if elapsed > 0 {
		commandsPerMin = delta / elapsed.Minutes()
	}

	return types.Metrics{
		QueueDepth:     int(queueDepth),
		RPCInFlight:    int(rpcInFlight),
		CommandsPerMin: int(commandsPerMin),
	}
}
