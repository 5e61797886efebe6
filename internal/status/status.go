// Package status serves the local operations endpoints: a liveness probe on
// /healthz and a JSON snapshot of the running bot on /statusz. The server
// binds loopback by default and carries no authentication, so it must never
// be exposed beyond the host.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/monitor"
	"github.com/ElSerda/KissBot-sub000/internal/neural"
	"github.com/ElSerda/KissBot-sub000/internal/shared"
)

const (
	readTimeout     = 5 * time.Second
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second

	// correlationTail bounds how much of the dispatcher ring /statusz
	// exposes, and correlationTextLimit clamps each stimulus so chat
	// content does not leak into ops tooling wholesale.
	correlationTail      = 20
	correlationTextLimit = 32
)

// Config wires the status server. Addr empty disables the server; every
// collaborator besides Bus is optional and missing ones are simply omitted
// from /statusz.
type Config struct {
	Addr       string
	Bus        *bus.Bus
	Dispatcher *neural.Dispatcher
	Supervisor *monitor.Supervisor
	// Degraded names channels the push path gave up covering after
	// exhausting its subscription retries.
	Degraded func() []string
	Logger   *slog.Logger
	Version  string
}

// Server exposes /healthz and /statusz over plain HTTP. A nil *Server (the
// disabled case) is safe to Start, Stop, and query.
type Server struct {
	bus        *bus.Bus
	dispatcher *neural.Dispatcher
	supervisor *monitor.Supervisor
	degraded   func() []string
	logger     *slog.Logger
	version    string

	started time.Time
	addr    string
	srv     *http.Server
}

// New builds the status server, or returns nil when cfg.Addr is empty.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:        cfg.Bus,
		dispatcher: cfg.Dispatcher,
		supervisor: cfg.Supervisor,
		degraded:   cfg.Degraded,
		logger:     logger.With("component", "status"),
		version:    cfg.Version,
		started:    time.Now(),
		addr:       cfg.Addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Start binds the listener and serves in the background. The returned error
// is the bind failure, if any; serve errors after a successful bind are
// logged instead of killing the bot.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind status server: %w", err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("status server listening", "addr", s.addr)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound address, which differs from the configured one when
// the port was 0.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Stop drains in-flight requests with a short deadline and closes the
// listener.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.started).Seconds()),
	}
	if s.version != "" {
		payload["version"] = s.version
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload := map[string]any{
		"status":      "ok",
		"uptime_s":    int64(time.Since(s.started).Seconds()),
		"goroutines":  runtime.NumGoroutine(),
		"alloc_bytes": mem.Alloc,
	}
	if s.version != "" {
		payload["version"] = s.version
	}
	if s.bus != nil {
		payload["bus"] = busSection(s.bus.StatsSnapshot())
	}
	if s.dispatcher != nil {
		payload["dispatcher"] = dispatcherSection(s.dispatcher.Metrics())
		payload["correlations"] = correlationSection(s.dispatcher.Recent(correlationTail))
	}
	if s.supervisor != nil {
		payload["monitor"] = s.monitorSection()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func busSection(st bus.Stats) map[string]any {
	return map[string]any{
		"topics":      st.Topics,
		"subscribers": st.Subscribers,
		"published":   st.Published,
		"delivered":   st.Delivered,
		"errors":      st.Errors,
		"panics":      st.Panics,
		"in_flight":   st.InFlight,
	}
}

func dispatcherSection(m neural.DispatcherMetrics) map[string]any {
	backends := make(map[string]any, len(m.Backends))
	for name, b := range m.Backends {
		entry := map[string]any{
			"trials":           b.Trials,
			"successes":        b.Successes,
			"avg_reward":       b.AvgReward,
			"ema_success_rate": b.EMASuccessRate,
			"ema_latency_s":    b.EMALatency,
			"breaker":          b.BreakerState,
		}
		if b.ConsecutiveFailures > 0 {
			entry["consecutive_failures"] = b.ConsecutiveFailures
		}
		if b.LastError != "" {
			entry["last_error"] = b.LastError
		}
		if b.QuotaExhausted {
			entry["quota_exhausted"] = true
		}
		if !b.RateLimitedUntil.IsZero() {
			entry["rate_limited_until"] = b.RateLimitedUntil
		}
		backends[name] = entry
	}
	return map[string]any{
		"total_requests":      m.TotalRequests,
		"success_rate":        m.SuccessRate,
		"recent_success_rate": m.RecentSuccessRate,
		"backend_share":       m.BackendShare,
		"backends":            backends,
	}
}

func correlationSection(recent []neural.Correlation) []map[string]any {
	tail := make([]map[string]any, 0, len(recent))
	for _, c := range recent {
		entry := map[string]any{
			"id":         c.ID,
			"text":       shared.Truncate(c.Text, correlationTextLimit),
			"class":      c.Class,
			"backend":    c.Backend,
			"outcome":    c.Outcome,
			"latency_ms": c.Latency.Milliseconds(),
			"ended_at":   c.EndedAt,
		}
		if c.Context != "" {
			entry["context"] = c.Context
		}
		if c.Err != "" {
			entry["error"] = c.Err
		}
		tail = append(tail, entry)
	}
	return tail
}

func (s *Server) monitorSection() map[string]any {
	push, poll := s.supervisor.Active()
	section := map[string]any{
		"method":      s.supervisor.Method(),
		"push_active": push,
		"poll_active": poll,
		"channels":    s.supervisor.States(),
	}
	if s.degraded != nil {
		if d := s.degraded(); len(d) > 0 {
			section["degraded"] = d
		}
	}
	return section
}
