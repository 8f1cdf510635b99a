package supervisor

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-executor/internal/ingress"
	"github.com/atlas-desktop/trading-executor/internal/killswitch"
	"github.com/atlas-desktop/trading-executor/internal/transport"
	"github.com/atlas-desktop/trading-executor/pkg/types"
)

func TestStatusReflectsReportedStates(t *testing.T) {
	sup := New(nil, killswitch.New())
	sup.ReportLinkState(ingress.LinkName, types.LinkConnected)
	sup.ReportLinkState(transport.LinkName, types.LinkConnecting)

	status := sup.Status()
	if status.PushIngress != types.LinkConnected {
		t.Fatalf("expected PushIngress Connected, got %s", status.PushIngress)
	}
	if status.BrokerTransport != types.LinkConnecting {
		t.Fatalf("expected BrokerTransport Connecting, got %s", status.BrokerTransport)
	}
	if status.ControlHTTP != types.LinkDisconnected {
		t.Fatalf("expected ControlHTTP to default Disconnected, got %s", status.ControlHTTP)
	}
}

func TestBrokerTransportEscalationEngagesKillSwitch(t *testing.T) {
	ks := killswitch.New()
	sup := New(nil, ks)

	for i := 0; i < maxConsecutiveFailures; i++ {
		sup.ReportLinkState(transport.LinkName, types.LinkDisconnected)
		sup.ReportLinkState(transport.LinkName, types.LinkConnecting)
	}
	// One more disconnect to cross the threshold from Connecting.
	sup.ReportLinkState(transport.LinkName, types.LinkDisconnected)

	if !ks.IsActive() {
		t.Fatal("expected broker transport escalation to engage the kill-switch")
	}
}

func TestBrokerTransportEscalationInvokesOnFatalEscalation(t *testing.T) {
	ks := killswitch.New()
	sup := New(nil, ks)

	fired := make(chan string, 1)
	sup.OnFatalEscalation(func(link string) { fired <- link })

	for i := 0; i < maxConsecutiveFailures; i++ {
		sup.ReportLinkState(transport.LinkName, types.LinkDisconnected)
		sup.ReportLinkState(transport.LinkName, types.LinkConnecting)
	}
	sup.ReportLinkState(transport.LinkName, types.LinkDisconnected)

	select {
	case link := <-fired:
		if link != transport.LinkName {
			t.Fatalf("expected escalation for %s, got %s", transport.LinkName, link)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnFatalEscalation callback to fire")
	}
}

func TestPushIngressEscalationDoesNotEngageKillSwitch(t *testing.T) {
	ks := killswitch.New()
	sup := New(nil, ks)

	for i := 0; i < maxConsecutiveFailures+1; i++ {
		sup.ReportLinkState(ingress.LinkName, types.LinkDisconnected)
		sup.ReportLinkState(ingress.LinkName, types.LinkConnecting)
	}

	if ks.IsActive() {
		t.Fatal("expected push ingress escalation, which is not fatal on its own, to leave the kill-switch inactive")
	}
}

func TestConsecutiveFailuresResetOnConnect(t *testing.T) {
	ks := killswitch.New()
	sup := New(nil, ks)

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		sup.ReportLinkState(transport.LinkName, types.LinkDisconnected)
		sup.ReportLinkState(transport.LinkName, types.LinkConnecting)
	}
	sup.ReportLinkState(transport.LinkName, types.LinkConnected)

	sup.ReportLinkState(transport.LinkName, types.LinkDisconnected)
	if ks.IsActive() {
		t.Fatal("expected a successful connect to reset the failure streak")
	}
}

func TestRecordRPCOutcomeMarksDegraded(t *testing.T) {
	sup := New(nil, killswitch.New())
	sup.ReportLinkState(transport.LinkName, types.LinkConnected)

	for i := 0; i < 3; i++ {
		sup.RecordRPCOutcome(transport.LinkName, true)
	}
	for i := 0; i < 3; i++ {
		sup.RecordRPCOutcome(transport.LinkName, false)
	}

	status := sup.Status()
	if status.BrokerTransport != types.LinkDegraded {
		t.Fatalf("expected Degraded after >25%% RPC failures, got %s", status.BrokerTransport)
	}
}

func TestRecordHeartbeatLatencyMarksDegraded(t *testing.T) {
	sup := New(nil, killswitch.New())
	sup.ReportLinkState(ControlLinkName, types.LinkConnected)

	sup.RecordHeartbeatLatency(100 * time.Millisecond)
	sup.RecordHeartbeatLatency(400 * time.Millisecond)

	status := sup.Status()
	if status.ControlHTTP != types.LinkDegraded {
		t.Fatalf("expected Degraded after >3x baseline latency, got %s", status.ControlHTTP)
	}
}
