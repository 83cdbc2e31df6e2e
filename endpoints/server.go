// Package endpoints exposes the HTTP surface of nflow-automate: webhook
// ingress for event sources, the workflow API, run monitoring and debug
// routes.
package endpoints

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/process"
	"github.com/arturoeanton/nflow-automate/ratelimit"
	"github.com/go-redis/redis"
	"github.com/labstack/echo/v4"
)

// WorkflowStore is the part of the store the HTTP layer reads and writes
// directly. Publishing goes through the engine.
type WorkflowStore interface {
	LoadWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)
	ListPublished(ctx context.Context) ([]*model.Workflow, error)
	PutCredential(ctx context.Context, c model.Credential) error
	RunSteps(ctx context.Context, runID string) ([]engine.TrackerEntry, error)
}

type Deps struct {
	Engine  *engine.Engine
	Store   WorkflowStore
	Runs    process.ProcessRepository
	Limiter ratelimit.RateLimiter
	Tracker *engine.Tracker
	Redis   *redis.Client
	Config  *engine.ConfigWorkspace
}

// Server holds the handlers. Events are acknowledged first and run in the
// background; Wait drains them on shutdown.
type Server struct {
	engine  *engine.Engine
	store   WorkflowStore
	runs    process.ProcessRepository
	limiter ratelimit.RateLimiter
	tracker *engine.Tracker
	redis   *redis.Client
	config  *engine.ConfigWorkspace
	metrics *MetricsCollector

	baseCtx context.Context
	stop    context.CancelFunc
	running sync.WaitGroup
}

func NewServer(deps Deps) *Server {
	if deps.Config == nil {
		deps.Config = engine.GetConfig()
	}
	if deps.Runs == nil {
		deps.Runs = process.NewProcessRepository()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewRateLimiter(&deps.Config.RateLimitConfig, deps.Redis)
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		engine:  deps.Engine,
		store:   deps.Store,
		runs:    deps.Runs,
		limiter: deps.Limiter,
		tracker: deps.Tracker,
		redis:   deps.Redis,
		config:  deps.Config,
		metrics: newMetricsCollector(),
		baseCtx: ctx,
		stop:    stop,
	}
	if s.engine != nil {
		s.engine.Dispatcher().AddObserver(s.metrics)
	}
	return s
}

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	RegisterMonitoringEndpoints(e, s)
	s.registerHooks(e)
	s.registerWorkflowAPI(e)
	s.registerRuns(e)
	RegisterDebugEndpoints(e, s)
}

// dispatch hands event to the engine without blocking the webhook reply.
func (s *Server) dispatch(event model.Event) {
	s.metrics.eventReceived()
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		start := time.Now()
		reports, err := s.engine.HandleEvent(s.baseCtx, event)
		if err != nil {
			var stale *engine.StaleEventError
			if errors.As(err, &stale) {
				s.metrics.eventDropped()
				return
			}
			logger.Error("event handling failed", "event", event.ID, "connector", event.Connector, logger.Err(err))
			s.metrics.eventFailed()
			return
		}
		for _, r := range reports {
			s.metrics.runFinished(r, time.Since(start))
		}
	}()
}

// Wait blocks until background runs finish or ctx expires, in which case
// the remaining runs are canceled.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.stop()
		<-done
		return ctx.Err()
	}
}
