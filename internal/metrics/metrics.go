package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"jobd/internal/eventbus"
	logx "jobd/pkg/logx"
)

// Metrics owns a private prometheus registry fed from bus events and from
// live scheduler/pool snapshots. The debug server exposes it on /metrics.
type Metrics struct {
	reg *prometheus.Registry
	bus eventbus.Bus
	log logx.Logger

	submitted  *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	runs       *prometheus.CounterVec
}

// New registers all collectors. pending and active are sampled at scrape
// time, so gauges never go stale.
func New(bus eventbus.Bus, pending, active func() int, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		bus: bus,
		log: log,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobd_jobs_submitted_total",
			Help: "Jobs accepted for execution or scheduling.",
		}, []string{"group"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobd_runs_dispatched_total",
			Help: "Job runs handed to an execution pool.",
		}, []string{"group"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobd_runs_total",
			Help: "Job run outcomes (completed, failed, cancelled, skipped).",
		}, []string{"group", "outcome"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted,
		m.dispatched,
		m.runs,
	)
	if pending != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "jobd_pending_jobs",
			Help: "Entries waiting in the scheduler queue.",
		}, func() float64 { return float64(pending()) }))
	}
	if active != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "jobd_active_runs",
			Help: "Job runs currently executing across all pools.",
		}, func() float64 { return float64(active()) }))
	}
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Run counts bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := m.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Type {
			case eventbus.TypeJobSubmitted:
				m.submitted.WithLabelValues(ev.Group).Inc()
			case eventbus.TypeJobDispatched:
				m.dispatched.WithLabelValues(ev.Group).Inc()
			case eventbus.TypeJobCompleted, eventbus.TypeJobFailed,
				eventbus.TypeJobCancelled, eventbus.TypeJobSkipped:
				m.runs.WithLabelValues(ev.Group, outcome(ev.Type)).Inc()
			}
		}
	}
}

func outcome(t eventbus.Type) string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}
