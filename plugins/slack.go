package plugins

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
)

const defaultSlackAPI = "https://slack.com/api"

type SlackConnector struct {
	baseURL string
	client  *http.Client
}

func NewSlackConnector(cfg engine.SlackConfig, client *http.Client) *SlackConnector {
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultSlackAPI
	}
	if client == nil {
		client = &http.Client{}
	}
	return &SlackConnector{baseURL: base, client: client}
}

type slackPostMessage struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type slackResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// Invoke posts the message with chat.postMessage. Slack answers 200 with
// ok=false on API errors, which are returned as errors too.
func (c *SlackConnector) Invoke(ctx context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.SlackMessageConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}
	if cfg.ChannelID == "" {
		return engine.Ack{}, errors.New("slack: channel is required")
	}

	var res slackResponse
	msg := slackPostMessage{Channel: cfg.ChannelID, Text: cfg.Text, ThreadTS: cfg.ThreadTS}
	if err := postJSON(ctx, c.client, c.baseURL+"/chat.postMessage", inv.Credential.Token, nil, msg, &res); err != nil {
		return engine.Ack{}, err
	}
	if !res.OK {
		return engine.Ack{}, errors.New("slack: " + res.Error)
	}
	return engine.Ack{Outputs: map[string]string{"ts": res.TS, "channel": res.Channel}}, nil
}
