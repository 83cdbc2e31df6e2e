package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowCodecKeepsConfigVariants(t *testing.T) {
	w := sampleWorkflow()

	data, err := EncodeWorkflow(w)
	require.NoError(t, err)

	got, err := DecodeWorkflow(data)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 4)

	trigger, ok := got.Nodes[0].Config.(SlackTriggerConfig)
	require.True(t, ok, "got %T", got.Nodes[0].Config)
	assert.Equal(t, "C1", trigger.ChannelID)

	cond, ok := got.Nodes[1].Config.(ConditionConfig)
	require.True(t, ok)
	assert.Equal(t, OpNotEquals, cond.Condition.Rules[0].Operator)

	msg, ok := got.Nodes[2].Config.(SlackMessageConfig)
	require.True(t, ok)
	assert.Equal(t, "hi {{user}}", msg.Text)

	assert.NoError(t, got.Validate())
}

func TestDecodeWorkflow_RejectsOtherSchema(t *testing.T) {
	_, err := DecodeWorkflow([]byte(`{"schema": 99, "workflow": {"id": "x"}}`))
	assert.True(t, errors.Is(err, ErrSchemaVersion))
}

func TestDecodeWorkflow_UnknownConnector(t *testing.T) {
	doc := `{"schema":1,"workflow":{"id":"x","trigger_id":"t","nodes":[{"id":"t","kind":"trigger","connector":"Fax_Trigger"}]}}`
	_, err := DecodeWorkflow([]byte(doc))
	assert.True(t, errors.Is(err, ErrUnknownConnector))
}

func TestDecodePaths_ChecksVersion(t *testing.T) {
	paths := []FlowPath{{{NodeID: "t1"}, {NodeID: "c1", Via: BranchTrue}, {NodeID: "a1"}}}

	data, err := EncodePaths("wf-1", 3, paths)
	require.NoError(t, err)

	got, err := DecodePaths(data, "wf-1", 3)
	require.NoError(t, err)
	assert.Equal(t, paths, got)

	_, err = DecodePaths(data, "wf-1", 4)
	assert.True(t, errors.Is(err, ErrStalePaths))
}

func TestDecodeWorkflowYAML(t *testing.T) {
	doc := `
schema: 1
workflow:
  id: drive-watch
  name: Drive watcher
  published: true
  version: 1
  trigger_id: t
  connection:
    credential_key: chan-1
  nodes:
    - id: t
      kind: trigger
      connector: Drive_Trigger
      config:
        events: [update, trash]
    - id: a
      kind: action
      connector: HTTP_Request
      config:
        method: POST
        url: https://hooks.example.com/{{resource_state}}
        headers:
          X-Source: drive
  edges:
    - id: e1
      source: t
      target: a
`
	w, err := DecodeWorkflowYAML([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, w.Validate())

	drive, ok := w.Nodes[0].Config.(DriveTriggerConfig)
	require.True(t, ok)
	assert.Equal(t, []string{"update", "trash"}, drive.Events)

	req, ok := w.Nodes[1].Config.(HTTPRequestConfig)
	require.True(t, ok)
	assert.Equal(t, "drive", req.Headers["X-Source"])
}

func TestEncodeWorkflow_StableBytes(t *testing.T) {
	w := sampleWorkflow()
	headers := map[string]string{}
	for _, k := range []string{"X-Zeta", "X-Alpha", "X-Mid", "Accept", "X-Beta"} {
		headers[k] = "<" + k + ">"
	}
	w.Nodes = append(w.Nodes, &Node{ID: "h1", Kind: KindAction, Connector: ConnectorHTTPRequest,
		Config: HTTPRequestConfig{Method: "POST", URL: "https://example.com", Headers: headers}})

	first, err := EncodeWorkflow(w)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := EncodeWorkflow(w)
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}
	assert.Less(t, strings.Index(string(first), "Accept"), strings.Index(string(first), "X-Alpha"))
	assert.Contains(t, string(first), `\u003cX-Zeta\u003e`)
}

func TestDeepCopyIsIndependent(t *testing.T) {
	w := sampleWorkflow()

	cp, err := w.DeepCopy()
	require.NoError(t, err)

	cp.Nodes[2].Config = SlackMessageConfig{ChannelID: "C9", Text: "changed"}
	cp.Edges[0].Target = "a2"
	cp.Variables[0].Value = "U7"

	assert.Equal(t, "hi {{user}}", w.Nodes[2].Config.(SlackMessageConfig).Text)
	assert.Equal(t, "c1", w.Edges[0].Target)
	assert.Equal(t, "", w.Variables[0].Value)
}

func TestResolveLeavesOriginalUntouched(t *testing.T) {
	cfg := CalendarEventConfig{Summary: "{{who}}", Attendees: []string{"{{who}}@example.com"}}
	up := func(s string) string {
		if s == "{{who}}" {
			return "ana"
		}
		if s == "{{who}}@example.com" {
			return "ana@example.com"
		}
		return s
	}

	got := cfg.Resolve(up).(CalendarEventConfig)
	assert.Equal(t, "ana", got.Summary)
	assert.Equal(t, []string{"ana@example.com"}, got.Attendees)
	assert.Equal(t, "{{who}}@example.com", cfg.Attendees[0])
}
