package engine

import (
	"errors"
	"testing"

	"github.com/arturoeanton/nflow-automate/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func action(id string) *model.Node {
	return &model.Node{ID: id, Kind: model.KindAction, Connector: model.ConnectorSlackMessage,
		Config: model.SlackMessageConfig{ChannelID: "C1", Text: id}}
}

func logical(id string) *model.Node {
	return &model.Node{ID: id, Kind: model.KindLogical, Connector: model.ConnectorCondition,
		Config: model.ConditionConfig{Condition: model.Condition{Rules: []model.Rule{
			{VariableRef: "user", Operator: model.OpEquals, Input: "U1"},
		}}}}
}

func trigger(id string) *model.Node {
	return &model.Node{ID: id, Kind: model.KindTrigger, Connector: model.ConnectorDriveTrigger,
		Config: model.DriveTriggerConfig{Events: []string{"update"}}}
}

func graph(nodes []*model.Node, edges ...model.Edge) *model.Workflow {
	return &model.Workflow{ID: "wf", Version: 1, TriggerID: "T", Nodes: nodes, Edges: edges}
}

func edge(id, from, to string) model.Edge {
	return model.Edge{ID: id, Source: from, Target: to}
}

func TestCompile_Linear(t *testing.T) {
	w := graph([]*model.Node{trigger("T"), action("A"), action("B")},
		edge("e1", "T", "A"), edge("e2", "A", "B"))

	paths, err := Compile(w)
	require.NoError(t, err)

	want := []model.FlowPath{{{NodeID: "T"}, {NodeID: "A"}, {NodeID: "B"}}}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestCompile_BranchOrderFollowsAuthoring(t *testing.T) {
	// T -> L ; L -> A (first, true) ; L -> B (second, false)
	w := graph([]*model.Node{trigger("T"), logical("L"), action("A"), action("B")},
		edge("e1", "T", "L"), edge("e2", "L", "A"), edge("e3", "L", "B"))

	paths, err := Compile(w)
	require.NoError(t, err)

	want := []model.FlowPath{
		{{NodeID: "T"}, {NodeID: "L", Via: model.BranchTrue}, {NodeID: "A"}},
		{{NodeID: "T"}, {NodeID: "L", Via: model.BranchFalse}, {NodeID: "B"}},
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestCompile_ExplicitLabelsWinOverOrder(t *testing.T) {
	w := graph([]*model.Node{trigger("T"), logical("L"), action("A"), action("B")},
		edge("e1", "T", "L"),
		model.Edge{ID: "e2", Source: "L", Target: "A", Branch: model.BranchFalse},
		model.Edge{ID: "e3", Source: "L", Target: "B", Branch: model.BranchTrue})

	paths, err := Compile(w)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, []string{"T", "L", "B"}, paths[0].IDs())
	assert.Equal(t, model.BranchTrue, paths[0][1].Via)
	assert.Equal(t, []string{"T", "L", "A"}, paths[1].IDs())
	assert.Equal(t, model.BranchFalse, paths[1][1].Via)
}

func TestCompile_UnreachableNodesAreExcluded(t *testing.T) {
	w := graph([]*model.Node{trigger("T"), action("A"), action("orphan"), action("B")},
		edge("e1", "T", "A"), edge("e2", "orphan", "B"))

	paths, err := Compile(w)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, []string{"T", "A"}, paths[0].IDs())
}

func TestCompile_DiamondIsNotACycle(t *testing.T) {
	w := graph([]*model.Node{trigger("T"), logical("L"), action("A"), action("B"), action("C")},
		edge("e1", "T", "L"), edge("e2", "L", "A"), edge("e3", "L", "B"),
		edge("e4", "A", "C"), edge("e5", "B", "C"))

	paths, err := Compile(w)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, []string{"T", "L", "A", "C"}, paths[0].IDs())
	assert.Equal(t, []string{"T", "L", "B", "C"}, paths[1].IDs())
}

func TestCompile_TriggerOnly(t *testing.T) {
	paths, err := Compile(graph([]*model.Node{trigger("T")}))
	require.NoError(t, err)
	assert.Equal(t, []model.FlowPath{{{NodeID: "T"}}}, paths)
}

func TestCompile_Cycle(t *testing.T) {
	w := graph([]*model.Node{trigger("T"), action("A"), action("B")},
		edge("e1", "T", "A"), edge("e2", "A", "B"), edge("e3", "B", "A"))

	_, err := Compile(w)
	var cyclic *model.CyclicGraphError
	require.True(t, errors.As(err, &cyclic), "expected CyclicGraphError, got %v", err)
	assert.Equal(t, []string{"A", "B", "A"}, cyclic.Cycle)
	assert.Equal(t, "wf", cyclic.WorkflowID)
}

func TestCompile_UnreachableCycleIsIgnored(t *testing.T) {
	w := graph([]*model.Node{trigger("T"), action("A"), action("X"), action("Y")},
		edge("e1", "T", "A"), edge("e2", "X", "Y"), edge("e3", "Y", "X"))

	paths, err := Compile(w)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestCompile_Malformed(t *testing.T) {
	w := graph([]*model.Node{trigger("T"), action("A")}, edge("e1", "T", "ghost"))

	_, err := Compile(w)
	var malformed *model.MalformedGraphError
	require.True(t, errors.As(err, &malformed), "expected MalformedGraphError, got %v", err)
	assert.Equal(t, "e1", malformed.EdgeID)
}

func TestCompile_IsDeterministic(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	first, err := Compile(w)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Compile(w)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("compile %d differs:\n%s", i, diff)
		}
	}
}
