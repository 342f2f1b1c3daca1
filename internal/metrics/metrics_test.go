package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

func TestRunCountsBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New(bus, nil, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	// Give the consumer time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeJobSubmitted, Job: "a", Group: "g"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobDispatched, Job: "a", Group: "g"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobCompleted, Job: "a", Group: "g"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Job: "b", Group: "g", Err: "boom"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if testutil.ToFloat64(m.runs.WithLabelValues("g", "completed")) == 1 &&
			testutil.ToFloat64(m.runs.WithLabelValues("g", "failed")) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("counters never reached expected values")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(m.submitted.WithLabelValues("g")); got != 1 {
		t.Fatalf("submitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dispatched.WithLabelValues("g")); got != 1 {
		t.Fatalf("dispatched = %v, want 1", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestGaugeFuncsSampleSnapshots(t *testing.T) {
	t.Parallel()
	pending, active := 3, 2
	m := New(eventbus.New(), func() int { return pending }, func() int { return active }, logx.Nop())

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		switch mf.GetName() {
		case "jobd_pending_jobs", "jobd_active_runs":
			got[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if got["jobd_pending_jobs"] != 3 {
		t.Fatalf("jobd_pending_jobs = %v, want 3", got["jobd_pending_jobs"])
	}
	if got["jobd_active_runs"] != 2 {
		t.Fatalf("jobd_active_runs = %v, want 2", got["jobd_active_runs"])
	}

	// Gauges track the source, not a copy.
	pending = 7
	families, err = m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "jobd_pending_jobs" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 7 {
				t.Fatalf("jobd_pending_jobs after update = %v, want 7", v)
			}
		}
	}
}
