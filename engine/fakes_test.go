package engine

import (
	"context"
	"sync"

	"github.com/arturoeanton/nflow-automate/model"
)

type fakeStore struct {
	mu        sync.Mutex
	workflows map[string]*model.Workflow
	paths     map[string][]model.FlowPath
	pathSaves int
	pathLoads int
	// findErrs are returned by the next FindByCredential calls, in order
	findErrs []error
}

func newFakeStore(ws ...*model.Workflow) *fakeStore {
	s := &fakeStore{
		workflows: make(map[string]*model.Workflow),
		paths:     make(map[string][]model.FlowPath),
	}
	for _, w := range ws {
		s.workflows[w.ID] = w
	}
	return s
}

func (s *fakeStore) LoadWorkflow(_ context.Context, id string) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, model.ErrWorkflowNotFound
	}
	return w, nil
}

func (s *fakeStore) SaveWorkflow(_ context.Context, w *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Version++
	s.workflows[w.ID] = w
	return nil
}

func (s *fakeStore) SetPublished(_ context.Context, id string, published bool) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, model.ErrWorkflowNotFound
	}
	w.Published = published
	return w, nil
}

func (s *fakeStore) ListPublished(_ context.Context) ([]*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Workflow
	for _, w := range s.workflows {
		if w.Published {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeStore) FindByCredential(_ context.Context, key string) ([]*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.findErrs) > 0 {
		err := s.findErrs[0]
		s.findErrs = s.findErrs[1:]
		return nil, err
	}
	var out []*model.Workflow
	for _, w := range s.workflows {
		if w.Published && w.Connection.CredentialKey == key {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveCompiledPaths(_ context.Context, id string, version int64, paths []model.FlowPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pathSaves++
	s.paths[pathKey(id, version)] = paths
	return nil
}

func (s *fakeStore) LoadCompiledPaths(_ context.Context, id string, version int64) ([]model.FlowPath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pathLoads++
	paths, ok := s.paths[pathKey(id, version)]
	if !ok {
		return nil, model.ErrPathsNotFound
	}
	return paths, nil
}

type fakeCredentials struct {
	missing map[model.ConnectorType]bool
}

func (f fakeCredentials) GetCredential(_ context.Context, workflowID string, connector model.ConnectorType) (model.Credential, error) {
	if f.missing[connector] {
		return model.Credential{}, model.ErrCredentialNotFound
	}
	return model.Credential{WorkflowID: workflowID, Connector: connector, Token: "xoxb-test-" + workflowID}, nil
}

// recordingConnector keeps every invocation it receives.
type recordingConnector struct {
	mu         sync.Mutex
	calls      []Invocation
	InvokeFunc func(ctx context.Context, inv Invocation) (Ack, error)
}

func (r *recordingConnector) Invoke(ctx context.Context, inv Invocation) (Ack, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()
	if r.InvokeFunc != nil {
		return r.InvokeFunc(ctx, inv)
	}
	return Ack{Outputs: map[string]string{"ok": "true"}}, nil
}

func (r *recordingConnector) Calls() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invocation(nil), r.calls...)
}

func (r *recordingConnector) TextsFor(workflowID string) []string {
	var out []string
	for _, c := range r.Calls() {
		if c.WorkflowID != workflowID {
			continue
		}
		if cfg, ok := c.Config.(model.SlackMessageConfig); ok {
			out = append(out, cfg.Text)
		}
	}
	return out
}

// greetingWorkflow is Trigger(Slack, C1) -> Logical(user != UBOT) ->
// Action(Slack_SendMessage, "hi {{user}}").
func greetingWorkflow(id, credentialKey string) *model.Workflow {
	return &model.Workflow{
		ID:        id,
		Name:      "greet " + id,
		Published: true,
		Version:   1,
		TriggerID: "t1",
		Nodes: []*model.Node{
			{ID: "t1", Kind: model.KindTrigger, Connector: model.ConnectorSlackTrigger,
				Config: model.SlackTriggerConfig{ChannelType: model.ChannelTypeChannel, ChannelID: "C1"}},
			{ID: "c1", Kind: model.KindLogical, Connector: model.ConnectorCondition,
				Config: model.ConditionConfig{Condition: model.Condition{Rules: []model.Rule{
					{VariableRef: "user", Operator: model.OpNotEquals, Input: "UBOT"},
				}}}},
			{ID: "a1", Kind: model.KindAction, Connector: model.ConnectorSlackMessage,
				Config: model.SlackMessageConfig{ChannelID: "C1", Text: "hi {{user}}"}},
		},
		Edges: []model.Edge{
			{ID: "e1", Source: "t1", Target: "c1"},
			{ID: "e2", Source: "c1", Target: "a1"},
		},
		Variables: []model.Variable{
			{Name: "user", SourceNodeID: "t1", EventField: "user"},
		},
		Connection: model.Connection{CredentialKey: credentialKey, TeamID: credentialKey, UserID: "U0", BotUserID: "UBOT"},
	}
}

func slackEvent(id, credentialKey, user string) model.Event {
	return model.Event{
		ID:            id,
		Connector:     model.ConnectorSlackTrigger,
		CredentialKey: credentialKey,
		Payload: model.SlackMessage{
			TeamID:      credentialKey,
			Channel:     "C1",
			ChannelType: model.ChannelTypeChannel,
			User:        user,
			Text:        "ping",
		},
	}
}

// twoPathWorkflow is t1 -> a1 and t1 -> a2.
func twoPathWorkflow(id, credentialKey string) *model.Workflow {
	w := greetingWorkflow(id, credentialKey)
	w.Nodes = []*model.Node{
		w.Nodes[0],
		{ID: "a1", Kind: model.KindAction, Connector: model.ConnectorSlackMessage,
			Config: model.SlackMessageConfig{ChannelID: "C1", Text: "one"}},
		{ID: "a2", Kind: model.KindAction, Connector: model.ConnectorSlackMessage,
			Config: model.SlackMessageConfig{ChannelID: "C1", Text: "two"}},
	}
	w.Edges = []model.Edge{
		{ID: "e1", Source: "t1", Target: "a1"},
		{ID: "e2", Source: "t1", Target: "a2"},
	}
	return w
}
