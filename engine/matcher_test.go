package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/arturoeanton/nflow-automate/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driveWorkflow(id string, events ...string) *model.Workflow {
	return &model.Workflow{
		ID: id, Published: true, Version: 1, TriggerID: "t1",
		Nodes: []*model.Node{
			{ID: "t1", Kind: model.KindTrigger, Connector: model.ConnectorDriveTrigger,
				Config: model.DriveTriggerConfig{Events: events}},
		},
		Connection: model.Connection{CredentialKey: "chan-token"},
	}
}

func imWorkflow(id, userID string) *model.Workflow {
	w := greetingWorkflow(id, "T1")
	w.Nodes[0].Config = model.SlackTriggerConfig{ChannelType: model.ChannelTypeIM}
	w.Connection.UserID = userID
	return w
}

func ids(ws []*model.Workflow) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

func TestMatcher_SlackChannel(t *testing.T) {
	m := NewMatcher(0)
	candidates := []*model.Workflow{greetingWorkflow("wf-1", "T1")}

	tests := []struct {
		name  string
		event model.Event
		want  int
	}{
		{"matching channel", slackEvent("E1", "T1", "U1"), 1},
		{"other channel", func() model.Event {
			e := slackEvent("E2", "T1", "U1")
			msg := e.Payload.(model.SlackMessage)
			msg.Channel = "C2"
			e.Payload = msg
			return e
		}(), 0},
		{"im message to channel trigger", func() model.Event {
			e := slackEvent("E3", "T1", "U1")
			msg := e.Payload.(model.SlackMessage)
			msg.ChannelType = model.ChannelTypeIM
			e.Payload = msg
			return e
		}(), 0},
		{"message from the connected bot", slackEvent("E4", "T1", "UBOT"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := m.Match(tt.event, candidates)
			require.NoError(t, err)
			assert.Len(t, matched, tt.want)
		})
	}
}

func TestMatcher_SlackSelfFallsBackToUser(t *testing.T) {
	w := greetingWorkflow("wf-1", "T1")
	w.Connection.BotUserID = ""
	w.Connection.UserID = "U7"

	m := NewMatcher(0)
	matched, err := m.Match(slackEvent("E1", "T1", "U7"), []*model.Workflow{w})
	require.NoError(t, err)
	assert.Empty(t, matched)

	matched, err = m.Match(slackEvent("E2", "T1", "U8"), []*model.Workflow{w})
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestMatcher_SlackDirectMessage(t *testing.T) {
	m := NewMatcher(0)
	w := imWorkflow("wf-im", "U0")

	event := func(authorized ...string) model.Event {
		return model.Event{
			ID: "E", Connector: model.ConnectorSlackTrigger, CredentialKey: "T1",
			Payload: model.SlackMessage{ChannelType: model.ChannelTypeIM, Channel: "D1", User: "U5", AuthorizedUsers: authorized},
		}
	}

	matched, err := m.Match(event("U3", "U0"), []*model.Workflow{w})
	require.NoError(t, err)
	assert.Len(t, matched, 1)

	matched, err = m.Match(event("U3"), []*model.Workflow{w})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMatcher_Drive(t *testing.T) {
	m := NewMatcher(0)
	candidates := []*model.Workflow{
		driveWorkflow("wf-update", "update"),
		driveWorkflow("wf-any", "update", "add", "remove"),
		driveWorkflow("wf-trash", "trash"),
	}
	event := model.Event{
		ID: "1", Connector: model.ConnectorDriveTrigger, CredentialKey: "chan-token",
		Payload: model.DriveChange{ChannelID: "ch", ResourceState: "update"},
	}

	matched, err := m.Match(event, candidates)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-update", "wf-any"}, ids(matched))
}

func TestMatcher_SkipsUnpublishedAndOtherConnectors(t *testing.T) {
	m := NewMatcher(0)
	unpublished := greetingWorkflow("wf-off", "T1")
	unpublished.Published = false
	drive := driveWorkflow("wf-drive", "update")

	matched, err := m.Match(slackEvent("E1", "T1", "U1"), []*model.Workflow{unpublished, drive, nil})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMatcher_UnknownConnectorMatchesNothing(t *testing.T) {
	m := NewMatcher(0)
	matched, err := m.Match(model.Event{Connector: "Gmail_Trigger"}, []*model.Workflow{greetingWorkflow("wf", "T1")})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMatcher_FreshnessWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMatcher(2 * time.Second)
	m.now = func() time.Time { return now }
	candidates := []*model.Workflow{greetingWorkflow("wf-1", "T1")}

	fresh := slackEvent("E1", "T1", "U1")
	fresh.Timestamp = now.Add(-1500 * time.Millisecond)
	matched, err := m.Match(fresh, candidates)
	require.NoError(t, err)
	assert.Len(t, matched, 1)

	stale := slackEvent("E2", "T1", "U1")
	stale.Timestamp = now.Add(-3 * time.Second)
	matched, err = m.Match(stale, candidates)
	assert.Empty(t, matched)
	var staleErr *StaleEventError
	require.True(t, errors.As(err, &staleErr))
	assert.Equal(t, "E2", staleErr.EventID)
	assert.Equal(t, 3*time.Second, staleErr.Age)
}

func TestMatcher_MissingTimestampCountsAsNow(t *testing.T) {
	m := NewMatcher(2 * time.Second)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	event := slackEvent("E1", "T1", "U1")
	require.True(t, event.Timestamp.IsZero())
	matched, err := m.Match(event, []*model.Workflow{greetingWorkflow("wf-1", "T1")})
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestMatcher_CustomRule(t *testing.T) {
	m := NewMatcher(0)
	m.Register(model.ConnectorDriveTrigger, func(*model.Workflow, model.TriggerConfig, model.Event) bool { return false })

	event := model.Event{Connector: model.ConnectorDriveTrigger, Payload: model.DriveChange{ResourceState: "update"}}
	matched, err := m.Match(event, []*model.Workflow{driveWorkflow("wf", "update")})
	require.NoError(t, err)
	assert.Empty(t, matched)
}
