package model

// NodeConfig is the per-connector configuration carried by a node. Each
// connector has exactly one concrete config type.
type NodeConfig interface {
	ConnectorType() ConnectorType
}

// ActionConfig is a NodeConfig whose string fields may reference run
// variables. Resolve returns a copy with every string passed through fn.
type ActionConfig interface {
	NodeConfig
	Resolve(fn func(string) string) ActionConfig
}

// TriggerConfig marks configs that can root a workflow.
type TriggerConfig interface {
	NodeConfig
	isTrigger()
}

const (
	ChannelTypeChannel = "channel"
	ChannelTypeIM      = "im"
)

type SlackTriggerConfig struct {
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id,omitempty"`
}

func (SlackTriggerConfig) ConnectorType() ConnectorType { return ConnectorSlackTrigger }
func (SlackTriggerConfig) isTrigger()                   {}

type DriveTriggerConfig struct {
	Events []string `json:"events"`
	FileID string   `json:"file_id,omitempty"`
}

func (DriveTriggerConfig) ConnectorType() ConnectorType { return ConnectorDriveTrigger }
func (DriveTriggerConfig) isTrigger()                   {}

type ConditionConfig struct {
	Condition Condition `json:"condition"`
}

func (ConditionConfig) ConnectorType() ConnectorType { return ConnectorCondition }

type SlackMessageConfig struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
	ThreadTS  string `json:"thread_ts,omitempty"`
}

func (SlackMessageConfig) ConnectorType() ConnectorType { return ConnectorSlackMessage }

func (c SlackMessageConfig) Resolve(fn func(string) string) ActionConfig {
	c.ChannelID = fn(c.ChannelID)
	c.Text = fn(c.Text)
	c.ThreadTS = fn(c.ThreadTS)
	return c
}

type NotionPageConfig struct {
	DatabaseID string `json:"database_id"`
	Title      string `json:"title"`
	Content    string `json:"content,omitempty"`
}

func (NotionPageConfig) ConnectorType() ConnectorType { return ConnectorNotionPage }

func (c NotionPageConfig) Resolve(fn func(string) string) ActionConfig {
	c.DatabaseID = fn(c.DatabaseID)
	c.Title = fn(c.Title)
	c.Content = fn(c.Content)
	return c
}

type EmailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    bool   `json:"html,omitempty"`
}

func (EmailConfig) ConnectorType() ConnectorType { return ConnectorGmailSend }

func (c EmailConfig) Resolve(fn func(string) string) ActionConfig {
	c.To = fn(c.To)
	c.Subject = fn(c.Subject)
	c.Body = fn(c.Body)
	return c
}

type CalendarEventConfig struct {
	CalendarID  string   `json:"calendar_id"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Attendees   []string `json:"attendees,omitempty"`
}

func (CalendarEventConfig) ConnectorType() ConnectorType { return ConnectorCalendarEvent }

func (c CalendarEventConfig) Resolve(fn func(string) string) ActionConfig {
	c.CalendarID = fn(c.CalendarID)
	c.Summary = fn(c.Summary)
	c.Description = fn(c.Description)
	c.Start = fn(c.Start)
	c.End = fn(c.End)
	if c.Attendees != nil {
		attendees := make([]string, len(c.Attendees))
		for i, a := range c.Attendees {
			attendees[i] = fn(a)
		}
		c.Attendees = attendees
	}
	return c
}

type SMSConfig struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

func (SMSConfig) ConnectorType() ConnectorType { return ConnectorTwilioSMS }

func (c SMSConfig) Resolve(fn func(string) string) ActionConfig {
	c.To = fn(c.To)
	c.From = fn(c.From)
	c.Body = fn(c.Body)
	return c
}

type HTTPRequestConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (HTTPRequestConfig) ConnectorType() ConnectorType { return ConnectorHTTPRequest }

func (c HTTPRequestConfig) Resolve(fn func(string) string) ActionConfig {
	c.Method = fn(c.Method)
	c.URL = fn(c.URL)
	c.Body = fn(c.Body)
	if c.Headers != nil {
		headers := make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			headers[k] = fn(v)
		}
		c.Headers = headers
	}
	return c
}

// TemplateConfig renders a mustache template over the run variables. The
// template text itself is not interpolated with {{name}} first since both
// syntaxes share the same delimiters.
type TemplateConfig struct {
	Template string `json:"template"`
}

func (TemplateConfig) ConnectorType() ConnectorType { return ConnectorTemplateRender }

func (c TemplateConfig) Resolve(fn func(string) string) ActionConfig {
	return c
}

type ScriptConfig struct {
	Code string `json:"code"`
}

func (ScriptConfig) ConnectorType() ConnectorType { return ConnectorScriptRun }

func (c ScriptConfig) Resolve(fn func(string) string) ActionConfig {
	return c
}

var configFactories = map[ConnectorType]func() NodeConfig{
	ConnectorSlackTrigger:   func() NodeConfig { return &SlackTriggerConfig{} },
	ConnectorDriveTrigger:   func() NodeConfig { return &DriveTriggerConfig{} },
	ConnectorCondition:      func() NodeConfig { return &ConditionConfig{} },
	ConnectorSlackMessage:   func() NodeConfig { return &SlackMessageConfig{} },
	ConnectorNotionPage:     func() NodeConfig { return &NotionPageConfig{} },
	ConnectorGmailSend:      func() NodeConfig { return &EmailConfig{} },
	ConnectorCalendarEvent:  func() NodeConfig { return &CalendarEventConfig{} },
	ConnectorTwilioSMS:      func() NodeConfig { return &SMSConfig{} },
	ConnectorHTTPRequest:    func() NodeConfig { return &HTTPRequestConfig{} },
	ConnectorTemplateRender: func() NodeConfig { return &TemplateConfig{} },
	ConnectorScriptRun:      func() NodeConfig { return &ScriptConfig{} },
}

// deref turns the pointer produced by a factory back into the value type the
// rest of the code works with.
func deref(c NodeConfig) NodeConfig {
	switch v := c.(type) {
	case *SlackTriggerConfig:
		return *v
	case *DriveTriggerConfig:
		return *v
	case *ConditionConfig:
		return *v
	case *SlackMessageConfig:
		return *v
	case *NotionPageConfig:
		return *v
	case *EmailConfig:
		return *v
	case *CalendarEventConfig:
		return *v
	case *SMSConfig:
		return *v
	case *HTTPRequestConfig:
		return *v
	case *TemplateConfig:
		return *v
	case *ScriptConfig:
		return *v
	}
	return c
}

func KnownConnector(t ConnectorType) bool {
	_, ok := configFactories[t]
	return ok
}
