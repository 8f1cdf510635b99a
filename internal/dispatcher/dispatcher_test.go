package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/ratelimit"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

func newTestDispatcher() *Dispatcher {
	limiters := ratelimit.New(ratelimit.DefaultConfig(), nil)
	ks := killswitch.New()
	return New(nil, limiters, ks)
}

func waitStatus(t *testing.T, d *Dispatcher, id string, want types.CommandStatus, timeout time.Duration) types.Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r, ok := d.Status(id); ok && r.Status == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s on command %s", want, id)
	return types.Result{}
}

func TestSubmitRejectsUnregisteredKind(t *testing.T) {
	d := newTestDispatcher()
	res := d.Submit(types.Command{ID: "c1", Kind: types.CommandOpenPosition})
	if res.Accepted {
		t.Fatal("expected rejection for unregistered handler")
	}
	if res.Reason != "Malformed" {
		t.Fatalf("expected Malformed, got %s", res.Reason)
	}
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandGetStatus, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	first := d.Submit(types.Command{ID: "dup1", Kind: types.CommandGetStatus})
	if !first.Accepted {
		t.Fatal("expected first submit accepted")
	}
	second := d.Submit(types.Command{ID: "dup1", Kind: types.CommandGetStatus})
	if second.Accepted || second.Reason != "Duplicate" {
		t.Fatalf("expected Duplicate rejection, got %+v", second)
	}
}

func TestSubmitRejectsExpired(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandGetStatus, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	past := time.Now().Add(-time.Minute)
	res := d.Submit(types.Command{ID: "exp1", Kind: types.CommandGetStatus, ExpiresAt: &past})
	if res.Accepted || res.Reason != "Expired" {
		t.Fatalf("expected Expired rejection, got %+v", res)
	}
}

func TestKillSwitchRefusesTradeMutatingCommands(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandOpenPosition, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	d.ks.Engage("test breach")
	res := d.Submit(types.Command{ID: "open1", Kind: types.CommandOpenPosition})
	if res.Accepted || res.Reason != "KillSwitchActive" {
		t.Fatalf("expected KillSwitchActive rejection, got %+v", res)
	}
}

func TestKillSwitchStillAdmitsControlKinds(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandGetStatus, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	d.ks.Engage("test breach")
	res := d.Submit(types.Command{ID: "status1", Kind: types.CommandGetStatus})
	if !res.Accepted {
		t.Fatalf("expected GetStatus admitted during kill-switch, got %+v", res)
	}
}

func TestExecutesAndCompletes(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandGetStatus, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{Ticket: "ok"}, nil
	})
	d.Start()
	defer d.Stop(context.Background())

	d.Submit(types.Command{ID: "run1", Kind: types.CommandGetStatus, Priority: types.PriorityNormal})
	r := waitStatus(t, d, "run1", types.StatusCompleted, 2*time.Second)
	if r.Ticket != "ok" {
		t.Fatalf("expected ticket ok, got %s", r.Ticket)
	}
}

func TestCancelRemovesQueuedCommand(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandGetStatus, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	d.Submit(types.Command{ID: "cancel1", Kind: types.CommandGetStatus})
	if outcome := d.Cancel("cancel1"); outcome != Cancelled {
		t.Fatalf("expected Cancelled, got %s", outcome)
	}
	r, _ := d.Status("cancel1")
	if r.Status != types.StatusCancelled {
		t.Fatalf("expected status cancelled, got %s", r.Status)
	}
}

func TestCancelUnknownIDReturnsUnknown(t *testing.T) {
	d := newTestDispatcher()
	if outcome := d.Cancel("nope"); outcome != Unknown {
		t.Fatalf("expected Unknown, got %s", outcome)
	}
}

func TestEmergencyStopBypassesKillSwitchRefusal(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandEmergencyStop, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	d.ks.Engage("already active")
	res := d.Submit(types.Command{ID: "estop1", Kind: types.CommandEmergencyStop})
	if !res.Accepted {
		t.Fatalf("expected EmergencyStop admitted even while already engaged, got %+v", res)
	}
}

func TestEngageKillSwitchEnqueuesCloseAllExactlyOnce(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandCloseAll, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	d.EngageKillSwitch("breach")
	d.EngageKillSwitch("breach again")

	if d.QueueDepth() != 1 {
		t.Fatalf("expected exactly one CloseAll enqueued, queue depth is %d", d.QueueDepth())
	}
}

func TestTerminalCallbackFires(t *testing.T) {
	d := newTestDispatcher()
	d.RegisterHandler(types.CommandGetStatus, func(ctx context.Context, cmd types.Command) (types.Result, error) {
		return types.Result{}, nil
	})
	fired := make(chan types.Result, 1)
	d.OnTerminal(func(r types.Result) { fired <- r })
	d.Start()
	defer d.Stop(context.Background())

	d.Submit(types.Command{ID: "term1", Kind: types.CommandGetStatus})
	select {
	case r := <-fired:
		if r.CommandID != "term1" {
			t.Fatalf("expected callback for term1, got %s", r.CommandID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal callback to fire")
	}
}
