package model

import "time"

// Event is an inbound notification from an external source, already decoded
// by the ingress adapter. Connector is the trigger connector it targets.
type Event struct {
	ID            string        `json:"id"`
	Connector     ConnectorType `json:"connector"`
	CredentialKey string        `json:"credential_key"`
	Timestamp     time.Time     `json:"timestamp"`
	Payload       EventPayload  `json:"payload"`
}

type EventPayload interface {
	Field(name string) (string, bool)
	Fields() map[string]string
}

type SlackMessage struct {
	TeamID          string   `json:"team_id"`
	Channel         string   `json:"channel"`
	ChannelType     string   `json:"channel_type"`
	User            string   `json:"user"`
	BotID           string   `json:"bot_id,omitempty"`
	Text            string   `json:"text"`
	TS              string   `json:"ts"`
	AuthorizedUsers []string `json:"authorized_users,omitempty"`
}

func (m SlackMessage) Fields() map[string]string {
	return map[string]string{
		"team_id":      m.TeamID,
		"channel":      m.Channel,
		"channel_type": m.ChannelType,
		"user":         m.User,
		"bot_id":       m.BotID,
		"text":         m.Text,
		"ts":           m.TS,
	}
}

func (m SlackMessage) Field(name string) (string, bool) {
	v, ok := m.Fields()[name]
	return v, ok
}

type DriveChange struct {
	ChannelID     string `json:"channel_id"`
	ResourceID    string `json:"resource_id"`
	ResourceState string `json:"resource_state"`
	ResourceURI   string `json:"resource_uri,omitempty"`
	MessageNumber string `json:"message_number,omitempty"`
	Changed       string `json:"changed,omitempty"`
}

func (d DriveChange) Fields() map[string]string {
	return map[string]string{
		"channel_id":     d.ChannelID,
		"resource_id":    d.ResourceID,
		"resource_state": d.ResourceState,
		"resource_uri":   d.ResourceURI,
		"message_number": d.MessageNumber,
		"changed":        d.Changed,
	}
}

func (d DriveChange) Field(name string) (string, bool) {
	v, ok := d.Fields()[name]
	return v, ok
}
