package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
)

const DefaultConnectorTimeout = 15 * time.Second

// ConnectorError wraps a failed action. It aborts the path it occurred on and
// nothing else.
type ConnectorError struct {
	WorkflowID string
	NodeID     string
	Connector  model.ConnectorType
	Err        error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector %s failed at node %q of workflow %q: %v", e.Connector, e.NodeID, e.WorkflowID, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// ErrConnectorPanic is wrapped in the ConnectorError of a connector that
// panicked.
var ErrConnectorPanic = errors.New("connector panicked")

type PathStatus string

const (
	PathCompleted PathStatus = "completed"
	PathAborted   PathStatus = "aborted" // a condition did not take this branch
	PathFailed    PathStatus = "failed"
	PathCanceled  PathStatus = "canceled"
)

type PathResult struct {
	Index       int
	Nodes       []string
	Status      PathStatus
	StoppedAt   string
	Err         error
	Invocations int
}

// RunReport summarizes one execution of one workflow.
type RunReport struct {
	RunID      string
	WorkflowID string
	Version    int64
	EventID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Paths      []PathResult
	Err        error
}

func (r RunReport) Invocations() int {
	n := 0
	for _, p := range r.Paths {
		n += p.Invocations
	}
	return n
}

type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepBlocked StepStatus = "blocked"
	StepInvoked StepStatus = "invoked"
	StepFailed  StepStatus = "failed"
)

// Step is one node visited by the dispatcher.
type Step struct {
	RunID      string
	WorkflowID string
	PathIndex  int
	NodeID     string
	Kind       model.Kind
	Connector  model.ConnectorType
	Status     StepStatus
	Err        error
	Started    time.Time
	Duration   time.Duration
	Outputs    map[string]string
}

type StepObserver interface {
	OnStep(step Step)
}

type StepObserverFunc func(step Step)

func (f StepObserverFunc) OnStep(step Step) { f(step) }

type DispatcherOptions struct {
	ConnectorTimeout time.Duration
	ParallelPaths    bool
}

// Dispatcher walks compiled paths. It keeps no state between runs.
type Dispatcher struct {
	connectors  *Connectors
	credentials CredentialProvider
	timeout     time.Duration
	parallel    bool

	mu        sync.RWMutex
	observers []StepObserver
}

func NewDispatcher(connectors *Connectors, credentials CredentialProvider, opts DispatcherOptions) *Dispatcher {
	if connectors == nil {
		connectors = NewConnectors()
	}
	timeout := opts.ConnectorTimeout
	if timeout <= 0 {
		timeout = DefaultConnectorTimeout
	}
	return &Dispatcher{
		connectors:  connectors,
		credentials: credentials,
		timeout:     timeout,
		parallel:    opts.ParallelPaths,
	}
}

func (d *Dispatcher) Connectors() *Connectors { return d.connectors }

func (d *Dispatcher) AddObserver(o StepObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

func (d *Dispatcher) notify(step Step) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, o := range d.observers {
		o.OnStep(step)
	}
}

// Run executes paths of w. vars is the table bound at trigger time; every
// path works on its own clone so paths never see each other's outputs.
func (d *Dispatcher) Run(ctx context.Context, runID string, w *model.Workflow, paths []model.FlowPath, vars *Variables) []PathResult {
	results := make([]PathResult, len(paths))

	if !d.parallel {
		for i, p := range paths {
			results[i] = d.walk(ctx, runID, w, i, p, vars.Clone())
		}
		return results
	}

	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p model.FlowPath, local *Variables) {
			defer wg.Done()
			results[i] = d.walk(ctx, runID, w, i, p, local)
		}(i, p, vars.Clone())
	}
	wg.Wait()
	return results
}

// walk runs one path. A panic stays inside the path: it is recorded as a
// failure at the current node and sibling paths keep running.
func (d *Dispatcher) walk(ctx context.Context, runID string, w *model.Workflow, index int, path model.FlowPath, vars *Variables) (result PathResult) {
	result = PathResult{Index: index, Nodes: path.IDs(), Status: PathCompleted}
	var current string
	defer func() {
		if r := recover(); r != nil {
			logger.Error("path panicked", "workflow", w.ID, "run", runID, "path", index, "node", current, "panic", r)
			result.Status = PathFailed
			result.StoppedAt = current
			result.Err = fmt.Errorf("path panicked at %s: %v", current, r)
		}
	}()

	// index 0 is the trigger, already matched
	for i := 1; i < len(path); i++ {
		step := path[i]
		current = step.NodeID
		if err := ctx.Err(); err != nil {
			result.Status = PathCanceled
			result.StoppedAt = step.NodeID
			result.Err = err
			return result
		}

		node, ok := w.Node(step.NodeID)
		if !ok {
			result.Status = PathFailed
			result.StoppedAt = step.NodeID
			result.Err = &model.MalformedGraphError{WorkflowID: w.ID, NodeID: step.NodeID, Reason: "node missing from snapshot"}
			return result
		}

		switch node.Kind {
		case model.KindLogical:
			if !d.gate(runID, w, index, node, step, vars) {
				result.Status = PathAborted
				result.StoppedAt = node.ID
				return result
			}
		case model.KindAction:
			called, err := d.invoke(ctx, runID, w, index, node, vars)
			if called {
				result.Invocations++
			}
			if err != nil {
				result.Status = PathFailed
				result.StoppedAt = node.ID
				result.Err = err
				if errors.Is(err, context.Canceled) {
					result.Status = PathCanceled
				}
				return result
			}
		}
	}
	return result
}

// gate evaluates a Logical node and reports whether the path continues. A
// path leaving by the false edge continues only when the condition is false.
func (d *Dispatcher) gate(runID string, w *model.Workflow, index int, node *model.Node, step model.PathStep, vars *Variables) bool {
	started := time.Now()
	outcome := true
	if cfg, ok := node.Config.(model.ConditionConfig); ok {
		outcome = EvaluateCondition(cfg.Condition, vars)
	}
	want := step.Via != model.BranchFalse
	pass := outcome == want

	status := StepPassed
	if !pass {
		status = StepBlocked
		logger.Verbose("path stopped by condition", "workflow", w.ID, "run", runID, "path", index, "node", node.ID, "outcome", outcome)
	}
	d.notify(Step{
		RunID: runID, WorkflowID: w.ID, PathIndex: index, NodeID: node.ID,
		Kind: node.Kind, Connector: node.Connector, Status: status,
		Started: started, Duration: time.Since(started),
	})
	return pass
}

// invoke runs one action node and reports whether the connector was called.
func (d *Dispatcher) invoke(ctx context.Context, runID string, w *model.Workflow, index int, node *model.Node, vars *Variables) (bool, error) {
	started := time.Now()
	fail := func(err error) error {
		cerr := &ConnectorError{WorkflowID: w.ID, NodeID: node.ID, Connector: node.Connector, Err: err}
		logger.Error("action failed, path aborted", "workflow", w.ID, "run", runID, "path", index, "node", node.ID, logger.Err(cerr))
		d.notify(Step{
			RunID: runID, WorkflowID: w.ID, PathIndex: index, NodeID: node.ID,
			Kind: node.Kind, Connector: node.Connector, Status: StepFailed, Err: cerr,
			Started: started, Duration: time.Since(started),
		})
		return cerr
	}

	cfg, ok := node.Config.(model.ActionConfig)
	if !ok {
		return false, fail(fmt.Errorf("node config %T is not an action config", node.Config))
	}
	connector, ok := d.connectors.Get(node.Connector)
	if !ok {
		return false, fail(model.ErrUnknownConnector)
	}

	credential, err := d.credential(ctx, w.ID, node.Connector, connector)
	if err != nil {
		return false, fail(err)
	}

	inv := Invocation{
		RunID:      runID,
		WorkflowID: w.ID,
		NodeID:     node.ID,
		Connector:  node.Connector,
		Credential: credential,
		Config:     cfg.Resolve(vars.Resolve),
		Variables:  vars.Snapshot(),
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ack, err := callConnector(callCtx, connector, inv)
	if err != nil {
		return true, fail(err)
	}

	vars.SetOutputs(node.ID, ack.Outputs)
	for _, v := range w.Variables {
		if v.SourceNodeID != node.ID {
			continue
		}
		if out, ok := ack.Outputs[v.Name]; ok {
			vars.Set(v.Name, out)
		}
	}

	d.notify(Step{
		RunID: runID, WorkflowID: w.ID, PathIndex: index, NodeID: node.ID,
		Kind: node.Kind, Connector: node.Connector, Status: StepInvoked,
		Started: started, Duration: time.Since(started), Outputs: ack.Outputs,
	})
	return true, nil
}

// callConnector turns a panic in the connector into ErrConnectorPanic.
func callConnector(ctx context.Context, connector Connector, inv Invocation) (ack Ack, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrConnectorPanic, r)
		}
	}()
	return connector.Invoke(ctx, inv)
}

func (d *Dispatcher) credential(ctx context.Context, workflowID string, t model.ConnectorType, connector Connector) (model.Credential, error) {
	if d.credentials == nil {
		if requiresCredential(connector) {
			return model.Credential{}, model.ErrCredentialNotFound
		}
		return model.Credential{WorkflowID: workflowID, Connector: t}, nil
	}
	credential, err := d.credentials.GetCredential(ctx, workflowID, t)
	if errors.Is(err, model.ErrCredentialNotFound) && !requiresCredential(connector) {
		return model.Credential{WorkflowID: workflowID, Connector: t}, nil
	}
	return credential, err
}
