package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/ukatc/fpu-driver-sub001/cancommand"
	"github.com/ukatc/fpu-driver-sub001/fpustate"
	"github.com/ukatc/fpu-driver-sub001/timeoutlist"
)

func collectAll(t *testing.T, c *GridCollector) []*dto.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	var out []*dto.Metric
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		out = append(out, &pb)
	}
	return out
}

func TestGridCollectorReportsPendingCount(t *testing.T) {
	grid := fpustate.NewArray(3, timeoutlist.New())
	grid.SetPendingCommand(0, cancommand.OpPingFPU, time.Now().Add(time.Second))

	c := NewGridCollector("fpu", prometheus.Labels{"instrument": "test"})
	c.Add("grid0", grid)

	metrics := collectAll(t, c)
	found := false
	for _, m := range metrics {
		if m.GetGauge() != nil {
			for _, l := range m.Label {
				if l.GetName() == "grid" && l.GetValue() == "grid0" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("expected at least one metric labelled grid=grid0")
	}
}

func TestGridCollectorRemoveStopsScraping(t *testing.T) {
	grid := fpustate.NewArray(1, timeoutlist.New())
	c := NewGridCollector("fpu", nil)
	c.Add("g", grid)
	c.Remove("g")

	if metrics := collectAll(t, c); len(metrics) != 0 {
		t.Fatalf("expected no metrics after Remove, got %d", len(metrics))
	}
}
