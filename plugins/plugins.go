// Package plugins holds the connectors that perform workflow actions against
// external services.
package plugins

import (
	"net/http"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
)

// Load builds the connector registry from the configuration.
func Load(cfg engine.ConfigWorkspace) *engine.Connectors {
	return LoadWithClient(cfg, &http.Client{})
}

// LoadWithClient is Load with a caller supplied HTTP client, used by every
// REST connector.
func LoadWithClient(cfg engine.ConfigWorkspace, client *http.Client) *engine.Connectors {
	connectors := engine.NewConnectors()
	connectors.Register(model.ConnectorSlackMessage, NewSlackConnector(cfg.SlackConfig, client))
	connectors.Register(model.ConnectorNotionPage, NewNotionConnector(cfg.NotionConfig, client))
	connectors.Register(model.ConnectorCalendarEvent, NewCalendarConnector(cfg.GoogleConfig, client))
	connectors.Register(model.ConnectorGmailSend, NewMailConnector(cfg.MailConfig))
	connectors.Register(model.ConnectorTwilioSMS, NewTwilioConnector(cfg.TwilioConfig))
	connectors.Register(model.ConnectorHTTPRequest, NewHTTPConnector(client))
	connectors.Register(model.ConnectorTemplateRender, TemplateConnector{})
	connectors.Register(model.ConnectorScriptRun, NewScriptConnector(cfg.ScriptConfig))

	logger.Verbose("connectors loaded", "types", connectors.Types())
	return connectors
}

// configError reports an invocation carrying the wrong config type.
func configError(inv engine.Invocation) error {
	return &model.MalformedGraphError{
		WorkflowID: inv.WorkflowID,
		NodeID:     inv.NodeID,
		Reason:     "unexpected config for " + string(inv.Connector),
	}
}
