package debughttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"jobd/internal/eventbus"
	"jobd/internal/sched"
	logx "jobd/pkg/logx"
)

// waitForHTTP polls url until any HTTP response arrives or ctx expires.
func waitForHTTP(ctx context.Context, url string) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
			if err != nil {
				cancel()
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			cancel()
			if err == nil {
				_ = resp.Body.Close()
				return nil
			}
		}
	}
}

// startServer starts a Server on an ephemeral loopback port and waits until
// it accepts connections.
func startServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()

	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, deps, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		s.Stop(sctx)
	})

	// Wait for the listener to come up.
	for s.Addr() == "" {
		select {
		case <-ctx.Done():
			t.Fatalf("debug server did not start: %v", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := waitForHTTP(ctx, "http://"+s.Addr()+"/healthz"); err != nil {
		t.Fatalf("debug server not reachable: %v", err)
	}
	return s
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestStatusBannerAndNotFound(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bus := eventbus.New()
	pools := sched.NewPoolManager(sched.PoolConfig{}, logx.Nop(), bus)
	schd := sched.New(sched.Config{Clock: clock}, pools, logx.Nop(), bus)
	t.Cleanup(func() {
		schd.Stop()
		_ = pools.ShutdownAll()
	})

	g := sched.NewGroup("status")
	if _, err := schd.Submit(sched.Job{
		Name:  "pending-job",
		Group: g,
		Work:  func(ctx context.Context) error { return nil },
		Delay: time.Hour,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s := startServer(t, Config{}, Deps{Scheduler: schd, Pools: pools})
	base := "http://" + s.Addr()

	code, body := get(t, base+"/", "")
	if code != http.StatusOK {
		t.Fatalf("GET / = %d, want %d", code, http.StatusOK)
	}
	if !strings.Contains(body, "jobd") {
		t.Fatalf("banner missing name: %q", body)
	}

	code, _ = get(t, base+"/no/such/page", "")
	if code != http.StatusNotFound {
		t.Fatalf("GET /no/such/page = %d, want %d", code, http.StatusNotFound)
	}

	code, body = get(t, base+"/api/status", "")
	if code != http.StatusOK {
		t.Fatalf("GET /api/status = %d, want %d", code, http.StatusOK)
	}
	var st struct {
		Scheduler sched.SchedulerSnapshot `json:"scheduler"`
		Pools     sched.PoolsSnapshot     `json:"pools"`
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode status: %v (body %q)", err, body)
	}
	if st.Scheduler.Pending != 1 {
		t.Fatalf("status pending = %d, want 1", st.Scheduler.Pending)
	}
	if len(st.Scheduler.Jobs) != 1 || st.Scheduler.Jobs[0].Name != "pending-job" {
		t.Fatalf("status jobs = %+v, want one pending-job", st.Scheduler.Jobs)
	}
	if st.Pools.Down {
		t.Fatalf("status reports pools down while running")
	}
}

func TestMetricsEndpointServesGatherer(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "debughttp_test_total", Help: "Test counter."})
	reg.MustRegister(c)
	c.Inc()

	s := startServer(t, Config{}, Deps{Gatherer: reg})

	code, body := get(t, "http://"+s.Addr()+"/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want %d", code, http.StatusOK)
	}
	if !strings.Contains(body, "debughttp_test_total 1") {
		t.Fatalf("metrics output missing counter: %q", body)
	}
}

func TestTokenGuardsEveryRoute(t *testing.T) {
	t.Parallel()

	s := startServer(t, Config{Token: "sekrit"}, Deps{})
	base := "http://" + s.Addr()

	for _, path := range []string{"/healthz", "/api/status", "/debug/pprof/"} {
		code, _ := get(t, base+path, "")
		if code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token = %d, want %d", path, code, http.StatusUnauthorized)
		}
		code, _ = get(t, base+path, "wrong")
		if code != http.StatusUnauthorized {
			t.Fatalf("GET %s with bad token = %d, want %d", path, code, http.StatusUnauthorized)
		}
		code, _ = get(t, base+path, "sekrit")
		if code != http.StatusOK {
			t.Fatalf("GET %s with token = %d, want %d", path, code, http.StatusOK)
		}
	}

	// Query parameter form.
	code, _ := get(t, base+"/healthz?token=sekrit", "")
	if code != http.StatusOK {
		t.Fatalf("GET /healthz?token= = %d, want %d", code, http.StatusOK)
	}
}

func TestReconfigureDisableStopsServer(t *testing.T) {
	t.Parallel()

	s := startServer(t, Config{}, Deps{})
	addr := s.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() != "" {
		if time.Now().After(deadline) {
			t.Fatalf("server still reports addr %q after disable", s.Addr())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rctx, rcancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer rcancel()
	if err := waitForHTTP(rctx, "http://"+addr+"/healthz"); err == nil {
		t.Fatalf("server still answering on %s after disable", addr)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.10:6060", false},
		{"example.com:6060", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.addr, func(t *testing.T) {
			t.Parallel()
			if got := isLoopbackAddr(tt.addr); got != tt.want {
				t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}
