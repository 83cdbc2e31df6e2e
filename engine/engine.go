// Package engine compiles workflow graphs into execution paths, matches
// inbound events to published workflows and dispatches their actions to
// connectors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/process"
	"github.com/google/uuid"
)

type Options struct {
	Store       GraphStore
	Credentials CredentialProvider
	Connectors  *Connectors
	Deduper     Deduper
	Runs        process.ProcessRepository
	Config      EngineConfig
}

// Engine ties the matcher, the path cache and the dispatcher together. Every
// matched workflow runs in its own goroutine on its own snapshot.
type Engine struct {
	store      GraphStore
	matcher    *Matcher
	dispatcher *Dispatcher
	paths      *PathCache
	dedupe     Deduper
	runs       process.ProcessRepository
	runTimeout time.Duration
}

func New(opts Options) *Engine {
	e := &Engine{
		store:   opts.Store,
		matcher: NewMatcher(opts.Config.FreshnessWindow),
		dispatcher: NewDispatcher(opts.Connectors, opts.Credentials, DispatcherOptions{
			ConnectorTimeout: opts.Config.ConnectorTimeout,
			ParallelPaths:    opts.Config.ParallelPaths,
		}),
		paths:      NewPathCache(opts.Store, opts.Config.CompiledCacheTTL),
		dedupe:     opts.Deduper,
		runs:       opts.Runs,
		runTimeout: opts.Config.RunTimeout,
	}
	if e.runs != nil {
		e.dispatcher.AddObserver(StepObserverFunc(e.publishStep))
	}
	return e
}

func (e *Engine) Matcher() *Matcher       { return e.matcher }
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }
func (e *Engine) Paths() *PathCache       { return e.paths }

// HandleEvent runs every published workflow whose trigger matches event and
// waits for them. A stale or duplicate event runs nothing and, for stale
// ones, returns *StaleEventError. The event id is claimed only once the
// lookup succeeded and something matched, so a delivery that failed before
// running can be retried by its source.
func (e *Engine) HandleEvent(ctx context.Context, event model.Event) ([]RunReport, error) {
	if e.store == nil {
		return nil, errors.New("engine has no graph store")
	}
	candidates, err := e.store.FindByCredential(ctx, event.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("find workflows for %s: %w", event.Connector, err)
	}

	matched, err := e.matcher.Match(event, candidates)
	if err != nil {
		var stale *StaleEventError
		if errors.As(err, &stale) {
			logger.Verbose("stale event dropped", "event", event.ID, "age", stale.Age)
		}
		return nil, err
	}
	if len(matched) == 0 {
		logger.Verbose("event matched no workflow", "event", event.ID, "connector", event.Connector, "candidates", len(candidates))
		return nil, nil
	}

	if e.dedupe != nil && event.ID != "" {
		first, err := e.dedupe.FirstSeen(ctx, event.ID)
		if err != nil {
			logger.Warn("event dedupe unavailable", "event", event.ID, logger.Err(err))
		} else if !first {
			logger.Verbose("duplicate event dropped", "event", event.ID, "connector", event.Connector)
			return nil, nil
		}
	}

	reports := make([]RunReport, len(matched))
	var wg sync.WaitGroup
	for i, w := range matched {
		wg.Add(1)
		go func(i int, w *model.Workflow) {
			defer wg.Done()
			reports[i] = e.execute(ctx, w, event)
		}(i, w)
	}
	wg.Wait()
	return reports, nil
}

func (e *Engine) execute(ctx context.Context, w *model.Workflow, event model.Event) (report RunReport) {
	report = RunReport{
		RunID:      uuid.NewString(),
		WorkflowID: w.ID,
		Version:    w.Version,
		EventID:    event.ID,
		StartedAt:  time.Now(),
	}
	log := logger.With("workflow", w.ID, "run", report.RunID)

	state := process.StateDone
	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("run panicked: %v", r)
			log.Error("workflow run panicked", "panic", r)
			state = process.StateFailed
		}
		report.FinishedAt = time.Now()
		if e.runs != nil {
			e.runs.Finish(report.RunID, state)
		}
	}()

	snapshot, err := w.Snapshot()
	if err != nil {
		report.Err = fmt.Errorf("snapshot: %w", err)
		state = process.StateFailed
		return report
	}
	paths, err := e.paths.Paths(ctx, snapshot)
	if err != nil {
		report.Err = err
		state = process.StateFailed
		log.Error("workflow does not compile", logger.Err(err))
		return report
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.runTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	if e.runs != nil {
		e.runs.Start(report.RunID, w.ID, event.ID, cancel)
	}

	vars := BindVariables(snapshot, event)
	report.Paths = e.dispatcher.Run(runCtx, report.RunID, snapshot, paths, vars)
	log.Info("workflow run finished", "paths", len(report.Paths), "invocations", report.Invocations())
	return report
}

func (e *Engine) publishStep(step Step) {
	u := process.Update{
		RunID:      step.RunID,
		WorkflowID: step.WorkflowID,
		NodeID:     step.NodeID,
		PathIndex:  step.PathIndex,
		Status:     string(step.Status),
		At:         step.Started.Add(step.Duration),
	}
	if step.Err != nil {
		u.Error = step.Err.Error()
	}
	e.runs.Publish(u)
}

// Publish compiles the workflow, stores its paths and enables it. Malformed
// or cyclic graphs are rejected and stay unpublished.
func (e *Engine) Publish(ctx context.Context, id string) ([]model.FlowPath, error) {
	if e.store == nil {
		return nil, errors.New("engine has no graph store")
	}
	w, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	paths, err := Compile(w)
	if err != nil {
		return nil, err
	}
	w, err = e.store.SetPublished(ctx, id, true)
	if err != nil {
		return nil, err
	}
	e.paths.Invalidate(id)
	if err := e.paths.Put(ctx, w, paths); err != nil {
		return nil, err
	}
	logger.Info("workflow published", "workflow", id, "version", w.Version, "paths", len(paths))
	return paths, nil
}

// Unpublish stops event-driven execution of the workflow.
func (e *Engine) Unpublish(ctx context.Context, id string) error {
	if e.store == nil {
		return errors.New("engine has no graph store")
	}
	if _, err := e.store.SetPublished(ctx, id, false); err != nil {
		return err
	}
	e.paths.Invalidate(id)
	logger.Info("workflow unpublished", "workflow", id)
	return nil
}

// SaveWorkflow stores an edited workflow. A published workflow must compile
// before it is stored; its paths are stored with the new version. Drafts are
// saved as they are and checked on Publish.
func (e *Engine) SaveWorkflow(ctx context.Context, w *model.Workflow) error {
	if e.store == nil {
		return errors.New("engine has no graph store")
	}
	var paths []model.FlowPath
	if w.Published {
		var err error
		if paths, err = Compile(w); err != nil {
			return err
		}
	}
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return err
	}
	e.paths.Invalidate(w.ID)
	if paths != nil {
		if err := e.paths.Put(ctx, w, paths); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Close() {
	e.paths.Close()
	if c, ok := e.dedupe.(interface{ Close() }); ok {
		c.Close()
	}
}
