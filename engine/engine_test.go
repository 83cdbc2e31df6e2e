package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(store GraphStore, slack Connector, opts ...func(*Options)) *Engine {
	connectors := NewConnectors()
	connectors.Register(model.ConnectorSlackMessage, slack)
	o := Options{
		Store:       store,
		Credentials: fakeCredentials{},
		Connectors:  connectors,
		Deduper:     NewMemoryDeduper(time.Minute),
		Config:      EngineConfig{FreshnessWindow: 2 * time.Second},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func TestEngine_EndToEndGreeting(t *testing.T) {
	slack := &recordingConnector{}
	e := newTestEngine(newFakeStore(greetingWorkflow("wf-1", "T1")), slack)
	defer e.Close()

	event := slackEvent("Ev1", "T1", "U1")
	event.Timestamp = time.Now()
	reports, err := e.HandleEvent(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, reports, 1)
	assert.Equal(t, "wf-1", reports[0].WorkflowID)
	assert.NotEmpty(t, reports[0].RunID)
	assert.Equal(t, 1, reports[0].Invocations())
	assert.Equal(t, []string{"hi U1"}, slack.TextsFor("wf-1"))
}

func TestEngine_SelfAuthoredMessageRunsNothing(t *testing.T) {
	slack := &recordingConnector{}
	e := newTestEngine(newFakeStore(greetingWorkflow("wf-1", "T1")), slack)
	defer e.Close()

	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "UBOT"))
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Empty(t, slack.Calls())
}

func TestEngine_WorkflowsAreIndependent(t *testing.T) {
	slack := &recordingConnector{InvokeFunc: func(_ context.Context, inv Invocation) (Ack, error) {
		if inv.WorkflowID == "wf-broken" {
			return Ack{}, errors.New("channel_not_found")
		}
		return Ack{}, nil
	}}
	store := newFakeStore(greetingWorkflow("wf-ok", "T1"), greetingWorkflow("wf-broken", "T1"))
	e := newTestEngine(store, slack)
	defer e.Close()

	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byID := map[string]RunReport{}
	for _, r := range reports {
		byID[r.WorkflowID] = r
	}
	assert.Equal(t, PathCompleted, byID["wf-ok"].Paths[0].Status)
	assert.Equal(t, PathFailed, byID["wf-broken"].Paths[0].Status)
	var cerr *ConnectorError
	assert.True(t, errors.As(byID["wf-broken"].Paths[0].Err, &cerr))
	assert.Equal(t, []string{"hi U1"}, slack.TextsFor("wf-ok"))
}

func TestEngine_DuplicateEventIsDropped(t *testing.T) {
	slack := &recordingConnector{}
	e := newTestEngine(newFakeStore(greetingWorkflow("wf-1", "T1")), slack)
	defer e.Close()

	_, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Len(t, slack.Calls(), 1)
}

func TestEngine_StaleEvent(t *testing.T) {
	slack := &recordingConnector{}
	e := newTestEngine(newFakeStore(greetingWorkflow("wf-1", "T1")), slack)
	defer e.Close()

	event := slackEvent("Ev1", "T1", "U1")
	event.Timestamp = time.Now().Add(-time.Minute)
	reports, err := e.HandleEvent(context.Background(), event)

	var stale *StaleEventError
	assert.True(t, errors.As(err, &stale))
	assert.Empty(t, reports)
	assert.Empty(t, slack.Calls())
}

func TestEngine_OtherCredentialIsIgnored(t *testing.T) {
	slack := &recordingConnector{}
	e := newTestEngine(newFakeStore(greetingWorkflow("wf-1", "T1")), slack)
	defer e.Close()

	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T2", "U1"))
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestEngine_RunSeesSnapshot(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	started := make(chan struct{})
	release := make(chan struct{})
	slack := &recordingConnector{InvokeFunc: func(_ context.Context, inv Invocation) (Ack, error) {
		close(started)
		<-release
		return Ack{}, nil
	}}
	e := newTestEngine(newFakeStore(w), slack)
	defer e.Close()

	done := make(chan []RunReport)
	go func() {
		reports, _ := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
		done <- reports
	}()

	<-started
	// edit while the run is in flight
	w.Nodes[2].Config = model.SlackMessageConfig{ChannelID: "C1", Text: "edited"}
	w.Edges = nil
	close(release)

	reports := <-done
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"hi U1"}, slack.TextsFor("wf-1"))
}

func TestEngine_PublishAndUnpublish(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	w.Published = false
	store := newFakeStore(w)
	slack := &recordingConnector{}
	e := newTestEngine(store, slack)
	defer e.Close()

	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	assert.Empty(t, reports)

	paths, err := e.Publish(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Len(t, paths, 1)
	assert.Equal(t, 1, store.pathSaves)

	reports, err = e.HandleEvent(context.Background(), slackEvent("Ev2", "T1", "U1"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
	// compiled paths came from the memo
	assert.Equal(t, 0, store.pathLoads)

	require.NoError(t, e.Unpublish(context.Background(), "wf-1"))
	reports, err = e.HandleEvent(context.Background(), slackEvent("Ev3", "T1", "U1"))
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, 0, e.Paths().Size())
}

func TestEngine_PublishRejectsCycle(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	w.Published = false
	w.Nodes = append(w.Nodes, &model.Node{ID: "a2", Kind: model.KindAction, Connector: model.ConnectorSlackMessage,
		Config: model.SlackMessageConfig{ChannelID: "C1", Text: "loop"}})
	w.Edges = append(w.Edges,
		model.Edge{ID: "e3", Source: "a1", Target: "a2"},
		model.Edge{ID: "e4", Source: "a2", Target: "a1"})
	store := newFakeStore(w)
	e := newTestEngine(store, &recordingConnector{})
	defer e.Close()

	_, err := e.Publish(context.Background(), "wf-1")
	var cyclic *model.CyclicGraphError
	require.True(t, errors.As(err, &cyclic))
	assert.False(t, w.Published)
}

func TestEngine_PublishUnknownWorkflow(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingConnector{})
	defer e.Close()

	_, err := e.Publish(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrWorkflowNotFound)
}

func TestEngine_SaveWorkflowRecompiles(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	store := newFakeStore(w)
	slack := &recordingConnector{}
	e := newTestEngine(store, slack)
	defer e.Close()

	_, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)

	edited, err := w.DeepCopy()
	require.NoError(t, err)
	edited.Nodes[2].Config = model.SlackMessageConfig{ChannelID: "C1", Text: "hello {{user}}"}
	require.NoError(t, e.SaveWorkflow(context.Background(), edited))
	assert.Equal(t, int64(2), edited.Version)

	_, err = e.HandleEvent(context.Background(), slackEvent("Ev2", "T1", "U2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi U1", "hello U2"}, slack.TextsFor("wf-1"))
}

func TestEngine_ConnectorPanicFailsOnlyItsPath(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(map[bool]string{false: "sequential", true: "parallel"}[parallel], func(t *testing.T) {
			slack := &recordingConnector{InvokeFunc: func(_ context.Context, inv Invocation) (Ack, error) {
				if inv.NodeID == "a1" {
					panic("connector bug")
				}
				return Ack{}, nil
			}}
			e := newTestEngine(newFakeStore(twoPathWorkflow("wf-1", "T1")), slack, func(o *Options) {
				o.Config.ParallelPaths = parallel
			})
			defer e.Close()

			reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
			require.NoError(t, err)
			require.Len(t, reports, 1)
			require.NoError(t, reports[0].Err)
			require.Len(t, reports[0].Paths, 2)

			failed := reports[0].Paths[0]
			assert.Equal(t, PathFailed, failed.Status)
			assert.Equal(t, "a1", failed.StoppedAt)
			var cerr *ConnectorError
			require.ErrorAs(t, failed.Err, &cerr)
			assert.ErrorIs(t, failed.Err, ErrConnectorPanic)
			assert.ErrorContains(t, failed.Err, "connector bug")

			assert.Equal(t, PathCompleted, reports[0].Paths[1].Status)
			assert.ElementsMatch(t, []string{"one", "two"}, slack.TextsFor("wf-1"))
		})
	}
}

func TestEngine_FailedLookupDoesNotClaimEvent(t *testing.T) {
	store := newFakeStore(greetingWorkflow("wf-1", "T1"))
	store.findErrs = []error{errors.New("connection refused")}
	slack := &recordingConnector{}
	e := newTestEngine(store, slack)
	defer e.Close()

	_, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.ErrorContains(t, err, "connection refused")
	assert.Empty(t, slack.Calls())

	// redelivery by the source runs the workflow
	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"hi U1"}, slack.TextsFor("wf-1"))

	// and later copies are duplicates
	reports, err = e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Len(t, slack.Calls(), 1)
}

func TestEngine_SavePublishedWorkflowMustCompile(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	store := newFakeStore(w)
	slack := &recordingConnector{}
	e := newTestEngine(store, slack)
	defer e.Close()

	edited, err := w.DeepCopy()
	require.NoError(t, err)
	edited.Edges = append(edited.Edges, model.Edge{ID: "e3", Source: "a1", Target: "c1"})

	err = e.SaveWorkflow(context.Background(), edited)
	var cyclic *model.CyclicGraphError
	require.ErrorAs(t, err, &cyclic)
	stored, err := store.LoadWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Len(t, stored.Edges, 2)

	// the previous version keeps serving events
	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.NoError(t, reports[0].Err)
	assert.Equal(t, []string{"hi U1"}, slack.TextsFor("wf-1"))

	// a draft is stored as is and checked on Publish
	edited.Published = false
	require.NoError(t, e.SaveWorkflow(context.Background(), edited))
	_, err = e.Publish(context.Background(), "wf-1")
	require.ErrorAs(t, err, &cyclic)
}

func TestEngine_SavePublishedWorkflowStoresPaths(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	store := newFakeStore(w)
	e := newTestEngine(store, &recordingConnector{})
	defer e.Close()

	edited, err := w.DeepCopy()
	require.NoError(t, err)
	require.NoError(t, e.SaveWorkflow(context.Background(), edited))

	paths, err := store.LoadCompiledPaths(context.Background(), "wf-1", edited.Version)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestEngine_RegistersRunsAndStreamsSteps(t *testing.T) {
	runs := process.NewProcessRepository()
	updates, unsubscribe := runs.Subscribe(16)
	defer unsubscribe()

	var seen int32
	slack := &recordingConnector{InvokeFunc: func(context.Context, Invocation) (Ack, error) {
		if len(runs.GetAllKeys()) == 1 {
			atomic.StoreInt32(&seen, 1)
		}
		return Ack{}, nil
	}}
	e := newTestEngine(newFakeStore(greetingWorkflow("wf-1", "T1")), slack, func(o *Options) { o.Runs = runs })
	defer e.Close()

	reports, err := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
	require.NoError(t, err)
	require.Len(t, reports, 1)

	assert.Equal(t, int32(1), atomic.LoadInt32(&seen), "run should be registered while it executes")
	assert.Empty(t, runs.GetAllKeys())

	var statuses []string
	for len(updates) > 0 {
		u := <-updates
		assert.Equal(t, reports[0].RunID, u.RunID)
		statuses = append(statuses, u.Status)
	}
	assert.Equal(t, []string{process.StateRunning, string(StepPassed), string(StepInvoked), process.StateDone}, statuses)
}

func TestEngine_KillCancelsRun(t *testing.T) {
	runs := process.NewProcessRepository()
	started := make(chan string, 1)
	slack := &recordingConnector{InvokeFunc: func(ctx context.Context, inv Invocation) (Ack, error) {
		started <- inv.RunID
		<-ctx.Done()
		return Ack{}, ctx.Err()
	}}
	e := newTestEngine(newFakeStore(greetingWorkflow("wf-1", "T1")), slack, func(o *Options) { o.Runs = runs })
	defer e.Close()

	done := make(chan []RunReport)
	go func() {
		reports, _ := e.HandleEvent(context.Background(), slackEvent("Ev1", "T1", "U1"))
		done <- reports
	}()

	runID := <-started
	assert.True(t, runs.Kill(runID))

	select {
	case reports := <-done:
		require.Len(t, reports, 1)
		assert.Equal(t, PathCanceled, reports[0].Paths[0].Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run was not canceled")
	}
}
