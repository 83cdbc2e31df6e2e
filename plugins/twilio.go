package plugins

import (
	"context"
	"errors"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type sendSMSFunc func(accountSid, authToken string, params *openapi.CreateMessageParams) (string, error)

// TwilioConnector sends SMS through the Twilio messages API. A workflow
// credential overrides the configured account: Token is the auth token and
// Extra["account_sid"] the account.
type TwilioConnector struct {
	config engine.TwilioConfig
	send   sendSMSFunc
}

func NewTwilioConnector(cfg engine.TwilioConfig) *TwilioConnector {
	return &TwilioConnector{config: cfg, send: sendSMS}
}

func sendSMS(accountSid, authToken string, params *openapi.CreateMessageParams) (string, error) {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	resp, err := client.Api.CreateMessage(params)
	if err != nil {
		return "", err
	}
	if resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

func (*TwilioConnector) RequiresCredential() bool { return false }

func (c *TwilioConnector) Invoke(ctx context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.SMSConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}
	if !c.config.Enable {
		logger.Verbose("twilio disabled, sms skipped", "workflow", inv.WorkflowID, "node", inv.NodeID)
		return engine.Ack{Outputs: map[string]string{"status": "disabled"}}, nil
	}

	sid, token := c.config.AccountSid, c.config.AuthToken
	if inv.Credential.Token != "" {
		token = inv.Credential.Token
		if s := inv.Credential.Extra["account_sid"]; s != "" {
			sid = s
		}
	}
	if sid == "" || token == "" {
		return engine.Ack{}, model.ErrCredentialNotFound
	}
	from := cfg.From
	if from == "" {
		from = c.config.From
	}
	if cfg.To == "" || from == "" {
		return engine.Ack{}, errors.New("twilio: to and from are required")
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(cfg.To)
	params.SetFrom(from)
	params.SetBody(cfg.Body)

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		msgSid, err := c.send(sid, token, params)
		done <- result{msgSid, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return engine.Ack{}, r.err
		}
		return engine.Ack{Outputs: map[string]string{"sid": r.sid, "status": "sent"}}, nil
	case <-ctx.Done():
		return engine.Ack{}, ctx.Err()
	}
}
