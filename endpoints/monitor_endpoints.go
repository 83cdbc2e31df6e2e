package endpoints

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/store"
	"github.com/labstack/echo/v4"
)

// MetricsCollector counts requests, events and runs for the Prometheus
// endpoint. It also observes dispatcher steps for per-connector counters.
type MetricsCollector struct {
	requestsTotal    uint64
	requestsDuration uint64 // microseconds
	requestsErrors   uint64
	activeRequests   int64

	eventsReceived uint64
	eventsDropped  uint64
	eventsFailed   uint64

	runsTotal    uint64
	runsErrors   uint64
	runsDuration uint64 // microseconds
	invocations  uint64

	mu    sync.Mutex
	steps map[string]uint64 // connector + "\x00" + status

	startTime time.Time
}

func newMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		steps:     make(map[string]uint64),
		startTime: time.Now(),
	}
}

func (m *MetricsCollector) eventReceived() { atomic.AddUint64(&m.eventsReceived, 1) }
func (m *MetricsCollector) eventDropped()  { atomic.AddUint64(&m.eventsDropped, 1) }
func (m *MetricsCollector) eventFailed()   { atomic.AddUint64(&m.eventsFailed, 1) }

func (m *MetricsCollector) runFinished(r engine.RunReport, d time.Duration) {
	atomic.AddUint64(&m.runsTotal, 1)
	atomic.AddUint64(&m.runsDuration, uint64(d.Microseconds()))
	atomic.AddUint64(&m.invocations, uint64(r.Invocations()))
	failed := r.Err != nil
	for _, p := range r.Paths {
		if p.Status == engine.PathFailed {
			failed = true
		}
	}
	if failed {
		atomic.AddUint64(&m.runsErrors, 1)
	}
}

// OnStep implements engine.StepObserver.
func (m *MetricsCollector) OnStep(step engine.Step) {
	if step.Connector == "" {
		return
	}
	m.mu.Lock()
	m.steps[string(step.Connector)+"\x00"+string(step.Status)]++
	m.mu.Unlock()
}

func (m *MetricsCollector) middleware(skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, p := range skip {
				if c.Path() == p {
					return next(c)
				}
			}

			start := time.Now()
			atomic.AddInt64(&m.activeRequests, 1)
			atomic.AddUint64(&m.requestsTotal, 1)

			err := next(c)

			atomic.AddUint64(&m.requestsDuration, uint64(time.Since(start).Microseconds()))
			atomic.AddInt64(&m.activeRequests, -1)
			if err != nil || c.Response().Status >= 400 {
				atomic.AddUint64(&m.requestsErrors, 1)
			}
			return err
		}
	}
}

// RegisterMonitoringEndpoints mounts the health and metrics routes and the
// request counting middleware.
func RegisterMonitoringEndpoints(e *echo.Echo, s *Server) {
	config := s.config
	if !config.MonitorConfig.Enabled {
		logger.Info("monitoring endpoints are disabled")
		return
	}

	healthPath := config.MonitorConfig.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	metricsPath := config.MonitorConfig.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	e.Use(s.metrics.middleware(healthPath, metricsPath))
	e.GET(healthPath, s.handleHealthCheck)
	e.HEAD(healthPath, s.handleHealthCheck)
	e.GET(metricsPath, s.handleMetrics)
	logger.Info("monitoring endpoints registered", "health", healthPath, "metrics", metricsPath)
}

type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  int64                      `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	Details    map[string]interface{}     `json:"details,omitempty"`
}

type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	health := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().Unix(),
		Uptime:     time.Since(s.metrics.startTime).String(),
		Components: make(map[string]ComponentHealth),
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	check := func(name string, h ComponentHealth, critical bool) {
		health.Components[name] = h
		if critical && h.Status == "unhealthy" {
			health.Status = "degraded"
		}
	}
	check("database", checkDatabaseHealth(ctx), true)
	if s.redis != nil {
		check("redis", s.checkRedisHealth(), true)
	}
	check("runs", s.checkRunHealth(), false)
	check("memory", checkMemoryHealth(), false)

	if s.config.MonitorConfig.EnableDetailedMetrics {
		health.Details = s.detailedMetrics()
	}

	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, health)
}

func checkDatabaseHealth(ctx context.Context) ComponentHealth {
	db, err := engine.GetDB()
	if errors.Is(err, engine.ErrNoDatabase) {
		return ComponentHealth{Status: "healthy", Message: "in-memory store"}
	}
	if err != nil {
		return ComponentHealth{Status: "unhealthy", Message: err.Error()}
	}
	if err := db.PingContext(ctx); err != nil {
		return ComponentHealth{Status: "unhealthy", Message: fmt.Sprintf("database ping failed: %v", err)}
	}
	return ComponentHealth{Status: "healthy"}
}

func (s *Server) checkRedisHealth() ComponentHealth {
	if err := s.redis.Ping().Err(); err != nil {
		return ComponentHealth{Status: "unhealthy", Message: fmt.Sprintf("redis ping failed: %v", err)}
	}
	return ComponentHealth{Status: "healthy"}
}

func (s *Server) checkRunHealth() ComponentHealth {
	n := len(s.runs.GetAllKeys())
	if n > 1000 {
		return ComponentHealth{Status: "warning", Message: fmt.Sprintf("high number of active runs: %d", n)}
	}
	return ComponentHealth{Status: "healthy"}
}

func checkMemoryHealth() ComponentHealth {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Alloc > 1024*1024*1024 {
		return ComponentHealth{Status: "warning", Message: fmt.Sprintf("high memory usage: %d MB", m.Alloc/1024/1024)}
	}
	return ComponentHealth{Status: "healthy"}
}

func (s *Server) detailedMetrics() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m := s.metrics
	details := map[string]interface{}{
		"requests": map[string]interface{}{
			"total":  atomic.LoadUint64(&m.requestsTotal),
			"errors": atomic.LoadUint64(&m.requestsErrors),
			"active": atomic.LoadInt64(&m.activeRequests),
		},
		"events": map[string]interface{}{
			"received": atomic.LoadUint64(&m.eventsReceived),
			"dropped":  atomic.LoadUint64(&m.eventsDropped),
			"failed":   atomic.LoadUint64(&m.eventsFailed),
		},
		"runs": map[string]interface{}{
			"total":       atomic.LoadUint64(&m.runsTotal),
			"errors":      atomic.LoadUint64(&m.runsErrors),
			"active":      len(s.runs.GetAllKeys()),
			"invocations": atomic.LoadUint64(&m.invocations),
		},
		"memory": map[string]interface{}{
			"alloc_mb":      mem.Alloc / 1024 / 1024,
			"sys_mb":        mem.Sys / 1024 / 1024,
			"heap_alloc_mb": mem.HeapAlloc / 1024 / 1024,
			"gc_runs":       mem.NumGC,
		},
		"runtime": map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"cpus":       runtime.NumCPU(),
		},
	}
	if db, err := engine.GetDB(); err == nil {
		details["database"] = store.Stats(db)
	}
	if s.tracker != nil {
		details["tracker"] = s.tracker.Stats()
	}
	return details
}

type promWriter struct {
	b strings.Builder
}

func (w *promWriter) metric(name, kind, help string, value interface{}) {
	fmt.Fprintf(&w.b, "# HELP %s %s\n# TYPE %s %s\n%s %v\n\n", name, help, name, kind, name, value)
}

func (s *Server) handleMetrics(c echo.Context) error {
	m := s.metrics
	w := &promWriter{}

	w.metric("nflow_up", "gauge", "Whether nflow-automate is up", 1)
	w.metric("nflow_uptime_seconds", "counter", "Seconds since start", fmt.Sprintf("%f", time.Since(m.startTime).Seconds()))

	w.metric("nflow_requests_total", "counter", "Total number of HTTP requests", atomic.LoadUint64(&m.requestsTotal))
	w.metric("nflow_requests_errors_total", "counter", "Total number of HTTP request errors", atomic.LoadUint64(&m.requestsErrors))
	w.metric("nflow_requests_active", "gauge", "Number of active HTTP requests", atomic.LoadInt64(&m.activeRequests))
	if total := atomic.LoadUint64(&m.requestsTotal); total > 0 {
		avg := float64(atomic.LoadUint64(&m.requestsDuration)) / float64(total) / 1000.0
		w.metric("nflow_request_duration_milliseconds", "gauge", "Average HTTP request duration", fmt.Sprintf("%f", avg))
	}

	w.metric("nflow_events_received_total", "counter", "Events accepted from webhooks", atomic.LoadUint64(&m.eventsReceived))
	w.metric("nflow_events_dropped_total", "counter", "Events dropped as stale", atomic.LoadUint64(&m.eventsDropped))
	w.metric("nflow_events_failed_total", "counter", "Events that could not be matched", atomic.LoadUint64(&m.eventsFailed))

	w.metric("nflow_runs_total", "counter", "Workflow runs finished", atomic.LoadUint64(&m.runsTotal))
	w.metric("nflow_runs_errors_total", "counter", "Workflow runs with a failed path", atomic.LoadUint64(&m.runsErrors))
	w.metric("nflow_runs_active", "gauge", "Workflow runs in flight", len(s.runs.GetAllKeys()))
	w.metric("nflow_invocations_total", "counter", "Connector invocations", atomic.LoadUint64(&m.invocations))

	if db, err := engine.GetDB(); err == nil {
		stats := store.Stats(db)
		w.metric("nflow_db_connections_open", "gauge", "Open database connections", stats["open_conns"])
		w.metric("nflow_db_connections_in_use", "gauge", "Database connections in use", stats["in_use"])
		w.metric("nflow_db_connections_idle", "gauge", "Idle database connections", stats["idle"])
	}

	if s.tracker != nil {
		stats := s.tracker.Stats()
		w.metric("nflow_tracker_processed_total", "counter", "Run steps persisted", stats.Processed)
		w.metric("nflow_tracker_dropped_total", "counter", "Run steps dropped", stats.Dropped)
		w.metric("nflow_tracker_errors_total", "counter", "Run step batches that failed", stats.Errors)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	w.metric("nflow_go_goroutines", "gauge", "Number of goroutines", runtime.NumGoroutine())
	w.metric("nflow_go_memory_alloc_bytes", "gauge", "Current memory allocation", mem.Alloc)
	w.metric("nflow_go_memory_sys_bytes", "gauge", "Total memory obtained from system", mem.Sys)
	w.metric("nflow_go_gc_runs_total", "counter", "Number of GC runs", mem.NumGC)

	if s.config.MonitorConfig.EnableDetailedMetrics {
		s.writeStepMetrics(w)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
	return c.String(http.StatusOK, w.b.String())
}

func (s *Server) writeStepMetrics(w *promWriter) {
	s.metrics.mu.Lock()
	keys := make([]string, 0, len(s.metrics.steps))
	for k := range s.metrics.steps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	counts := make([]uint64, len(keys))
	for i, k := range keys {
		counts[i] = s.metrics.steps[k]
	}
	s.metrics.mu.Unlock()

	w.b.WriteString("# HELP nflow_steps_total Dispatcher steps by connector and status\n# TYPE nflow_steps_total counter\n")
	for i, k := range keys {
		connector, status, _ := strings.Cut(k, "\x00")
		fmt.Fprintf(&w.b, "nflow_steps_total{connector=%q,status=%q} %d\n", connector, status, counts[i])
	}
	w.b.WriteString("\n")
}
