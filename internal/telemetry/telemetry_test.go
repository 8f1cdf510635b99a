package telemetry

import "testing"

func TestMetricsReflectsGaugeValues(t *testing.T) {
	c := New()
	c.SetQueueDepth(7)
	c.SetRPCInFlight(3)

	m := c.Metrics()
	if m.QueueDepth != 7 {
		t.Fatalf("expected queue depth 7, got %d", m.QueueDepth)
	}
	if m.RPCInFlight != 3 {
		t.Fatalf("expected rpc in flight 3, got %d", m.RPCInFlight)
	}
}

func TestRecordCommandCompletionIncrementsCounter(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c.RecordCommandCompletion()
	}

	mfs, err := c.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() == "executor_commands_total" {
			total = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if total != 5 {
		t.Fatalf("expected counter at 5, got %v", total)
	}
}
