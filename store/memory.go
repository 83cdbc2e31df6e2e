package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
)

// MemoryStore keeps everything in process. Compiled paths go through the
// same encoding as the SQL store so stale documents behave alike.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*model.Workflow
	paths       map[string][]byte
	credentials map[string]model.Credential
	steps       map[string][]engine.TrackerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*model.Workflow),
		paths:       make(map[string][]byte),
		credentials: make(map[string]model.Credential),
		steps:       make(map[string][]engine.TrackerEntry),
	}
}

func (m *MemoryStore) LoadWorkflow(_ context.Context, id string) (*model.Workflow, error) {
	m.mu.RLock()
	w, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, id)
	}
	return w.DeepCopy()
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, w *model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.workflows[w.ID]; ok {
		w.Version = stored.Version + 1
	} else if w.Version < 1 {
		w.Version = 1
	}
	w.UpdatedAt = time.Now().UTC()
	cp, err := w.DeepCopy()
	if err != nil {
		return err
	}
	m.workflows[w.ID] = cp
	return nil
}

func (m *MemoryStore) SetPublished(_ context.Context, id string, published bool) (*model.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, id)
	}
	w, err := stored.DeepCopy()
	if err != nil {
		return nil, err
	}
	w.Published = published
	w.UpdatedAt = time.Now().UTC()
	m.workflows[id] = w
	return w.DeepCopy()
}

func (m *MemoryStore) ListPublished(_ context.Context) ([]*model.Workflow, error) {
	return m.filter(func(w *model.Workflow) bool { return w.Published })
}

func (m *MemoryStore) FindByCredential(_ context.Context, credentialKey string) ([]*model.Workflow, error) {
	return m.filter(func(w *model.Workflow) bool {
		return w.Published && w.Connection.CredentialKey == credentialKey
	})
}

func (m *MemoryStore) ListWorkflows(_ context.Context) ([]*model.Workflow, error) {
	return m.filter(func(*model.Workflow) bool { return true })
}

func (m *MemoryStore) filter(keep func(*model.Workflow) bool) ([]*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.workflows))
	for id, w := range m.workflows {
		if keep(w) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*model.Workflow, 0, len(ids))
	for _, id := range ids {
		cp, err := m.workflows[id].DeepCopy()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func pathsKey(workflowID string, version int64) string {
	return fmt.Sprintf("%s@%d", workflowID, version)
}

func (m *MemoryStore) SaveCompiledPaths(_ context.Context, workflowID string, version int64, paths []model.FlowPath) error {
	doc, err := model.EncodePaths(workflowID, version, paths)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.paths[pathsKey(workflowID, version)] = doc
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadCompiledPaths(_ context.Context, workflowID string, version int64) ([]model.FlowPath, error) {
	m.mu.RLock()
	doc, ok := m.paths[pathsKey(workflowID, version)]
	m.mu.RUnlock()
	if !ok {
		return nil, model.ErrPathsNotFound
	}
	return model.DecodePaths(doc, workflowID, version)
}

func (m *MemoryStore) PutCredential(_ context.Context, c model.Credential) error {
	extra := make(map[string]string, len(c.Extra))
	for k, v := range c.Extra {
		extra[k] = v
	}
	c.Extra = extra
	m.mu.Lock()
	m.credentials[credentialContext(c.WorkflowID, c.Connector)] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, workflowID string, connector model.ConnectorType) (model.Credential, error) {
	m.mu.RLock()
	c, ok := m.credentials[credentialContext(workflowID, connector)]
	m.mu.RUnlock()
	if !ok {
		return model.Credential{}, model.ErrCredentialNotFound
	}
	extra := make(map[string]string, len(c.Extra))
	for k, v := range c.Extra {
		extra[k] = v
	}
	c.Extra = extra
	return c, nil
}

func (m *MemoryStore) WriteSteps(_ context.Context, entries []engine.TrackerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.steps[e.RunID] = append(m.steps[e.RunID], e)
	}
	return nil
}

func (m *MemoryStore) RunSteps(_ context.Context, runID string) ([]engine.TrackerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.TrackerEntry(nil), m.steps[runID]...), nil
}

func (m *MemoryStore) Close() error { return nil }
