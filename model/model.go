package model

import "time"

type Kind string

const (
	KindTrigger Kind = "trigger"
	KindAction  Kind = "action"
	KindLogical Kind = "logical"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTrigger, KindAction, KindLogical:
		return true
	}
	return false
}

type ConnectorType string

const (
	ConnectorSlackTrigger   ConnectorType = "Slack_Trigger"
	ConnectorDriveTrigger   ConnectorType = "Drive_Trigger"
	ConnectorCondition      ConnectorType = "Condition"
	ConnectorSlackMessage   ConnectorType = "Slack_SendMessage"
	ConnectorNotionPage     ConnectorType = "Notion_CreatePage"
	ConnectorGmailSend      ConnectorType = "Gmail_SendEmail"
	ConnectorCalendarEvent  ConnectorType = "Calendar_CreateEvent"
	ConnectorTwilioSMS      ConnectorType = "Twilio_SendSMS"
	ConnectorHTTPRequest    ConnectorType = "HTTP_Request"
	ConnectorTemplateRender ConnectorType = "Template_Render"
	ConnectorScriptRun      ConnectorType = "Script_Run"
)

// Branch labels the edge a Logical node leaves by. Linear edges carry BranchNone.
type Branch string

const (
	BranchNone  Branch = ""
	BranchTrue  Branch = "true"
	BranchFalse Branch = "false"
)

type Node struct {
	ID        string
	Kind      Kind
	Connector ConnectorType
	Config    NodeConfig
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Branch Branch `json:"branch,omitempty"`
}

// Variable is a named slot bound either to a static value or, when EventField
// is set, to a field of the triggering event.
type Variable struct {
	Name         string `json:"name" yaml:"name"`
	Value        string `json:"value" yaml:"value"`
	SourceNodeID string `json:"source_node_id,omitempty" yaml:"source_node_id,omitempty"`
	EventField   string `json:"event_field,omitempty" yaml:"event_field,omitempty"`
}

// Connection describes the account a workflow was connected with.
type Connection struct {
	CredentialKey string `json:"credential_key"`
	TeamID        string `json:"team_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	BotUserID     string `json:"bot_user_id,omitempty"`
}

type Workflow struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	OwnerID    string     `json:"owner_id,omitempty"`
	Published  bool       `json:"published"`
	Version    int64      `json:"version"`
	TriggerID  string     `json:"trigger_id"`
	Nodes      []*Node    `json:"nodes"`
	Edges      []Edge     `json:"edges"`
	Variables  []Variable `json:"variables,omitempty"`
	Connection Connection `json:"connection"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
}

func (w *Workflow) Node(id string) (*Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

func (w *Workflow) Trigger() (*Node, bool) {
	return w.Node(w.TriggerID)
}

type PathStep struct {
	NodeID string `json:"node_id"`
	Via    Branch `json:"via,omitempty"`
}

// FlowPath is one root-to-leaf walk. Via on each step is the branch label of
// the edge taken out of that node; the leaf has none.
type FlowPath []PathStep

func (p FlowPath) IDs() []string {
	ids := make([]string, len(p))
	for i, s := range p {
		ids[i] = s.NodeID
	}
	return ids
}

type Credential struct {
	WorkflowID string            `json:"workflow_id"`
	Connector  ConnectorType     `json:"connector"`
	Token      string            `json:"token"`
	Extra      map[string]string `json:"extra,omitempty"`
}
