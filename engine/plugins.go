package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/arturoeanton/nflow-automate/model"
)

// Invocation is everything a connector receives for one action node. Config
// has already been resolved against the run variables.
type Invocation struct {
	RunID      string
	WorkflowID string
	NodeID     string
	Connector  model.ConnectorType
	Credential model.Credential
	Config     model.ActionConfig
	// Variables is a read-only copy of the path's table at call time.
	Variables map[string]string
}

// Ack is a successful connector reply. Outputs are exposed to later nodes of
// the same path as <nodeID>.<key>.
type Ack struct {
	Outputs map[string]string
}

// Connector performs the side effect of one action node.
type Connector interface {
	Invoke(ctx context.Context, inv Invocation) (Ack, error)
}

// CredentialOptional is implemented by connectors that can run without a
// stored credential.
type CredentialOptional interface {
	RequiresCredential() bool
}

type ConnectorFunc func(ctx context.Context, inv Invocation) (Ack, error)

func (f ConnectorFunc) Invoke(ctx context.Context, inv Invocation) (Ack, error) {
	return f(ctx, inv)
}

// Connectors maps action connector types to their implementation.
type Connectors struct {
	mu sync.RWMutex
	m  map[model.ConnectorType]Connector
}

func NewConnectors() *Connectors {
	return &Connectors{m: make(map[model.ConnectorType]Connector)}
}

func (c *Connectors) Register(t model.ConnectorType, connector Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[t] = connector
}

func (c *Connectors) Get(t model.ConnectorType) (Connector, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	connector, ok := c.m[t]
	return connector, ok
}

// Types lists the registered connector types, sorted
func (c *Connectors) Types() []model.ConnectorType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]model.ConnectorType, 0, len(c.m))
	for t := range c.m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func requiresCredential(c Connector) bool {
	if opt, ok := c.(CredentialOptional); ok {
		return opt.RequiresCredential()
	}
	return true
}
