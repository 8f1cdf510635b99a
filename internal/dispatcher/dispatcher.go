// Package dispatcher implements the Command Dispatcher (spec §4.2): four
// FIFO priority sub-queues, per-kind-family rate limiting, kill-switch
// admission, and retry/timeout policy around command execution. Grounded
// on the teacher's internal/workers/pool.go (bounded queue, per-task
// timeout, panic recovery, graceful Stop), generalized from a generic
// task pool to Command-specific scheduling, priority, and retry.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-executor/internal/errs"
	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/ratelimit"
	"github.com/atlas-desktop/trading-executor/internal/retry"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

// Handler executes one command for the subsystem that owns its kind and
// returns a result or an error. Handlers are looked up by CommandKind.
type Handler func(ctx context.Context, cmd types.Command) (types.Result, error)

// admittedDuringKillSwitch lists the only kinds the dispatcher accepts
// while the kill-switch is active (spec §4.6).
var admittedDuringKillSwitch = map[types.CommandKind]bool{
	types.CommandEmergencyStop:  true,
	types.CommandResume:        true,
	types.CommandGetStatus:     true,
	types.CommandStrategyReload: true,
}

func defaultTimeout(kind types.CommandKind) time.Duration {
	switch kind.Family() {
	case types.FamilyTradeMutating:
		return 10 * time.Second
	case types.FamilyRead:
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}

type entry struct {
	cmd           types.Command
	enqueuedAt    time.Time
	deferredUntil time.Time
}

type queue struct {
	mu    sync.Mutex
	items []*entry
}

func (q *queue) push(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
}

func (q *queue) pushFront(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*entry{e}, q.items...)
}

// popReady removes and returns the head entry if its deferred-until has
// passed; otherwise it returns nil and leaves the queue unchanged, so a
// deferred head holds back the entries behind it until its time passes.
// drainOnce re-queues a rate-limited entry at the tail, behind entries
// enqueued after it.
func (q *queue) popReady(now time.Time) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	if head.deferredUntil.After(now) {
		return nil
	}
	q.items = q.items[1:]
	return head
}

func (q *queue) remove(id string) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.cmd.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e
		}
	}
	return nil
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dispatcher admits, schedules, and retires commands per spec §4.2.
type Dispatcher struct {
	logger   *zap.Logger
	limiters *ratelimit.Limiters
	ks       *killswitch.Switch

	handlers map[types.CommandKind]Handler

	queues map[types.Priority]*queue

	mu       sync.Mutex
	statuses map[string]types.Result
	executing map[string]context.CancelFunc
	seenIDs   map[string]bool // idempotency: duplicate Submit rejected

	closeAllEnqueued bool

	onTerminal func(types.Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher bound to a rate limiter and kill-switch. Call
// RegisterHandler for every CommandKind before Start.
func New(logger *zap.Logger, limiters *ratelimit.Limiters, ks *killswitch.Switch) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:    logger,
		limiters:  limiters,
		ks:        ks,
		handlers:  make(map[types.CommandKind]Handler),
		queues:    make(map[types.Priority]*queue),
		statuses:  make(map[string]types.Result),
		executing: make(map[string]context.CancelFunc),
		seenIDs:   make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, p := range []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityUrgent} {
		d.queues[p] = &queue{}
	}
	return d
}

// RegisterHandler binds the executor for one command kind.
func (d *Dispatcher) RegisterHandler(kind types.CommandKind, h Handler) {
	d.handlers[kind] = h
}

// OnTerminal registers a callback invoked once per command reaching a
// terminal state, used to hand the outcome to the Control client.
func (d *Dispatcher) OnTerminal(fn func(types.Result)) {
	d.onTerminal = fn
}

// SubmitResult is Submit's immediate admission outcome.
type SubmitResult struct {
	Accepted bool
	Reason   string // set when Accepted == false
}

// Submit enqueues a command. Fails without side effects on duplicate ID,
// expiry, malformed kind, or kill-switch refusal (spec §4.2).
func (d *Dispatcher) Submit(cmd types.Command) SubmitResult {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}

	if _, ok := d.handlers[cmd.Kind]; !ok {
		return SubmitResult{Reason: "Malformed"}
	}
	if cmd.ExpiresAt != nil && cmd.ExpiresAt.Before(time.Now()) {
		return SubmitResult{Reason: "Expired"}
	}

	d.mu.Lock()
	if d.seenIDs[cmd.ID] {
		d.mu.Unlock()
		return SubmitResult{Reason: "Duplicate"}
	}

	bypass := cmd.Kind == types.CommandEmergencyStop || cmd.Kind == types.CommandCloseAll
	if d.ks.IsActive() && !admittedDuringKillSwitch[cmd.Kind] && !bypass {
		d.mu.Unlock()
		return SubmitResult{Reason: "KillSwitchActive"}
	}
	d.seenIDs[cmd.ID] = true
	d.statuses[cmd.ID] = types.Result{CommandID: cmd.ID, Status: types.StatusEnqueued}
	d.mu.Unlock()

	priority := cmd.Priority
	if bypass {
		priority = types.PriorityUrgent
	}

	e := &entry{cmd: cmd, enqueuedAt: time.Now()}
	d.queues[priority].push(e)
	return SubmitResult{Accepted: true}
}

// CancelOutcome is Cancel's result.
type CancelOutcome string

const (
	Cancelled CancelOutcome = "Cancelled"
	TooLate   CancelOutcome = "TooLate"
	Unknown   CancelOutcome = "Unknown"
)

// Cancel removes a command from its queue if not yet executing.
func (d *Dispatcher) Cancel(id string) CancelOutcome {
	d.mu.Lock()
	res, ok := d.statuses[id]
	_, executing := d.executing[id]
	d.mu.Unlock()
	if !ok {
		return Unknown
	}
	if executing || res.Status == types.StatusCompleted || res.Status == types.StatusFailed {
		return TooLate
	}

	for _, q := range d.queues {
		if e := q.remove(id); e != nil {
			d.setStatus(id, types.Result{CommandID: id, Status: types.StatusCancelled, CompletedAt: time.Now()})
			return Cancelled
		}
	}
	return TooLate
}

// Status returns a command's current terminal or in-flight state.
func (d *Dispatcher) Status(id string) (types.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.statuses[id]
	return r, ok
}

func (d *Dispatcher) setStatus(id string, r types.Result) {
	d.mu.Lock()
	d.statuses[id] = r
	d.mu.Unlock()
	if (r.Status == types.StatusCompleted || r.Status == types.StatusFailed ||
		r.Status == types.StatusCancelled || r.Status == types.StatusExpired) && d.onTerminal != nil {
		d.onTerminal(r)
	}
}

// Start launches the scheduling loop: a single goroutine (run) that every
// 5ms visits the queues in the order Urgent, High, Normal, Low and draws
// at most one ready command from each; see drainOnce.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	order := []types.Priority{types.PriorityUrgent, types.PriorityHigh, types.PriorityNormal, types.PriorityLow}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(order)
		}
	}
}

// drainOnce draws at most one ready command per priority level per tick,
// highest priority first, honoring each queue's own rate-limit deferral.
func (d *Dispatcher) drainOnce(order []types.Priority) {
	now := time.Now()
	for _, p := range order {
		q := d.queues[p]
		e := q.popReady(now)
		if e == nil {
			continue
		}

		family := e.cmd.Kind.Family()
		bypass := e.cmd.Kind == types.CommandEmergencyStop || e.cmd.Kind == types.CommandCloseAll
		if !bypass && !d.limiters.Allow(family) {
			e.deferredUntil = now.Add(d.limiters.ReserveDelay(family))
			q.push(e)
			continue
		}

		d.wg.Add(1)
		go d.execute(e)
	}
}

func (d *Dispatcher) execute(e *entry) {
	defer d.wg.Done()
	cmd := e.cmd

	h, ok := d.handlers[cmd.Kind]
	if !ok {
		d.setStatus(cmd.ID, types.Result{CommandID: cmd.ID, Status: types.StatusFailed, Error: "no handler registered", CompletedAt: time.Now()})
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, defaultTimeout(cmd.Kind))
	d.mu.Lock()
	d.executing[cmd.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.executing, cmd.ID)
		d.mu.Unlock()
		cancel()
	}()

	d.setStatus(cmd.ID, types.Result{CommandID: cmd.ID, Status: types.StatusExecuting})

	var result types.Result
	var err error
	if cmd.Kind.Family() == types.FamilyTradeMutating {
		result, err = retry.Do(ctx, retry.CommandRetryPolicy(), func() (types.Result, error) {
			return h(ctx, cmd)
		})
	} else {
		result, err = h(ctx, cmd)
	}

	if err != nil {
		status := types.StatusFailed
		msg := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			msg = (&errs.ErrTimeout{Op: string(cmd.Kind)}).Error()
		}
		d.setStatus(cmd.ID, types.Result{CommandID: cmd.ID, Status: status, Error: msg, CompletedAt: time.Now()})
		return
	}

	result.CommandID = cmd.ID
	result.Status = types.StatusCompleted
	result.CompletedAt = time.Now()
	d.setStatus(cmd.ID, result)
}

// EngageKillSwitch is the single convergence point for CloseAll-on-kill:
// every path that halts trading (EmergencyStop command, periodic safety
// monitor breach, out-of-band kill event, Supervisor escalation) should
// call this rather than the kill-switch directly, so that whichever path
// gets there first is the one that enqueues CloseAll — and only that one
// (spec §4.6: "enqueues CloseAll at Urgent exactly once"). d.ks.Engage is
// itself idempotent, so this is safe to call even when some other path
// already flipped the switch active directly.
func (d *Dispatcher) EngageKillSwitch(reason string) {
	d.ks.Engage(reason)

	d.mu.Lock()
	alreadyEnqueued := d.closeAllEnqueued
	d.closeAllEnqueued = true
	d.mu.Unlock()
	if alreadyEnqueued {
		return
	}
	d.Submit(types.Command{
		ID:       uuid.NewString(),
		Kind:     types.CommandCloseAll,
		Priority: types.PriorityUrgent,
	})
}

// ResetKillSwitchLatch clears the CloseAll-already-enqueued latch after an
// authenticated Resume, so the next kill-switch engagement enqueues
// CloseAll again instead of being silently swallowed by the one-shot latch.
func (d *Dispatcher) ResetKillSwitchLatch() {
	d.mu.Lock()
	d.closeAllEnqueued = false
	d.mu.Unlock()
}

// QueueDepth returns the total number of queued (not yet executing)
// commands across all priorities, for telemetry.
func (d *Dispatcher) QueueDepth() int {
	total := 0
	for _, q := range d.queues {
		total += q.len()
	}
	return total
}

// InFlight returns the number of commands currently executing.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.executing)
}

// Stop cancels the dispatcher's context, which ends the scheduling loop
// and cancels the context of every executing command at once, then waits
// for executing handlers to return or for ctx to expire, whichever comes
// first. Commands still queued are not executed, and Submit keeps
// accepting commands after Stop.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if d.logger != nil {
			d.logger.Warn("dispatcher shutdown grace period exceeded")
		}
	}
}
