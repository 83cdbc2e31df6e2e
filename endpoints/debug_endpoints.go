package endpoints

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/literals"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/labstack/echo/v4"
)

// debugMiddleware checks the debug token and the allowed IP list.
func debugMiddleware(config *engine.DebugConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !config.Enabled {
				return c.JSON(http.StatusNotFound, echo.Map{"error": "debug endpoints are disabled"})
			}

			if config.AuthToken != "" {
				token := c.Request().Header.Get(literals.HeaderDebugToken)
				if token == "" {
					token = c.QueryParam("debug_token")
				}
				if token != config.AuthToken {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or missing debug token"})
				}
			}

			if config.AllowedIPs != "" {
				clientIP := getClientIP(c.Request())
				if !ipAllowed(clientIP, config.AllowedIPs) {
					return c.JSON(http.StatusForbidden, echo.Map{"error": fmt.Sprintf("IP %s not allowed", clientIP)})
				}
			}
			return next(c)
		}
	}
}

func ipAllowed(clientIP, allowed string) bool {
	ip := net.ParseIP(clientIP)
	for _, a := range strings.Split(allowed, ",") {
		a = strings.TrimSpace(a)
		if a == clientIP {
			return true
		}
		if strings.Contains(a, "/") && ip != nil {
			if _, ipNet, err := net.ParseCIDR(a); err == nil && ipNet.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RegisterDebugEndpoints mounts the /debug group when enabled.
func RegisterDebugEndpoints(e *echo.Echo, s *Server) {
	if !s.config.DebugConfig.Enabled {
		logger.Info("debug endpoints are disabled")
		return
	}
	logger.Info("registering debug endpoints")
	debug := e.Group("/debug", debugMiddleware(&s.config.DebugConfig))

	debug.GET("/info", s.handleDebugInfo)
	debug.GET("/config", s.handleDebugConfig)
	debug.GET("/triggers", s.handleDebugTriggers)
	debug.GET("/compile/:id", s.handleDebugCompile)
	debug.POST("/invalidate-cache", s.handleDebugInvalidateCache)
	debug.GET("/connectors", s.handleDebugConnectors)
	debug.GET("/tracker/stats", s.handleDebugTrackerStats)
}

func (s *Server) handleDebugInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"service":        "nflow-automate",
		"go_version":     runtime.Version(),
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"cpus":           runtime.NumCPU(),
		"goroutines":     runtime.NumGoroutine(),
		"timestamp":      time.Now().Unix(),
		"uptime":         time.Since(s.metrics.startTime).String(),
		"active_runs":    len(s.runs.GetAllKeys()),
		"compiled_paths": s.engine.Paths().Size(),
	})
}

// handleDebugConfig shows the configuration without secrets.
func (s *Server) handleDebugConfig(c echo.Context) error {
	config := s.config
	return c.JSON(http.StatusOK, echo.Map{
		"engine": echo.Map{
			"freshness_window":   config.EngineConfig.FreshnessWindow.String(),
			"connector_timeout":  config.EngineConfig.ConnectorTimeout.String(),
			"parallel_paths":     config.EngineConfig.ParallelPaths,
			"compiled_cache_ttl": config.EngineConfig.CompiledCacheTTL.String(),
			"dedupe_backend":     config.EngineConfig.DedupeBackend,
			"run_timeout":        config.EngineConfig.RunTimeout.String(),
		},
		"database": echo.Map{"driver": config.DatabaseConfig.Driver},
		"redis":    echo.Map{"configured": config.RedisConfig.Host != ""},
		"tracker": echo.Map{
			"enabled":    config.TrackerConfig.Enabled,
			"workers":    config.TrackerConfig.Workers,
			"batch_size": config.TrackerConfig.BatchSize,
		},
		"rate_limit": echo.Map{
			"enabled": config.RateLimitConfig.Enabled,
			"rate":    config.RateLimitConfig.Rate,
			"backend": config.RateLimitConfig.Backend,
		},
		"slack":      echo.Map{"signature_check": config.SlackConfig.SigningSecret != ""},
		"twilio":     echo.Map{"enabled": config.TwilioConfig.Enable},
		"encryption": echo.Map{"enabled": config.EncryptionConfig.Key != ""},
	})
}

// handleDebugTriggers lists the trigger of every published workflow.
func (s *Server) handleDebugTriggers(c echo.Context) error {
	ws, err := s.store.ListPublished(c.Request().Context())
	if err != nil {
		return replyError(c, err)
	}
	out := make([]echo.Map, 0, len(ws))
	for _, w := range ws {
		entry := echo.Map{
			"workflow":       w.ID,
			"version":        w.Version,
			"credential_key": w.Connection.CredentialKey,
		}
		if t, ok := w.Trigger(); ok {
			entry["node"] = t.ID
			entry["connector"] = t.Connector
			entry["config"] = t.Config
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, out)
}

// handleDebugCompile compiles a stored workflow without publishing it.
func (s *Server) handleDebugCompile(c echo.Context) error {
	w, err := s.store.LoadWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return replyError(c, err)
	}
	paths, err := engine.Compile(w)
	if err != nil {
		return replyError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"workflow": w.ID,
		"version":  w.Version,
		"paths":    paths,
	})
}

// handleDebugInvalidateCache drops memoized paths, of one workflow when
// ?workflow= is given.
func (s *Server) handleDebugInvalidateCache(c echo.Context) error {
	if id := c.QueryParam("workflow"); id != "" {
		n := s.engine.Paths().Invalidate(id)
		return c.JSON(http.StatusOK, echo.Map{"workflow": id, "invalidated": n})
	}
	n := s.engine.Paths().Size()
	s.engine.Paths().InvalidateAll()
	return c.JSON(http.StatusOK, echo.Map{"invalidated": n})
}

func (s *Server) handleDebugConnectors(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Dispatcher().Connectors().Types())
}

func (s *Server) handleDebugTrackerStats(c echo.Context) error {
	if s.tracker == nil {
		return c.JSON(http.StatusOK, echo.Map{"enabled": false})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"enabled": s.tracker.IsEnabled(),
		"stats":   s.tracker.Stats(),
	})
}
