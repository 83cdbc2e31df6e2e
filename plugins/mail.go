package plugins

import (
	"context"
	"errors"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/scorredoira/email"
)

type sendMailFunc func(addr string, auth smtp.Auth, m *email.Message) error

// MailConnector sends mail over SMTP. The workflow credential carries the
// account password (a Gmail app password) and, in Extra["from"], the sender.
type MailConnector struct {
	config engine.MailConfig
	send   sendMailFunc
}

func NewMailConnector(cfg engine.MailConfig) *MailConnector {
	if cfg.SMTP == "" {
		cfg.SMTP = "smtp.gmail.com"
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	return &MailConnector{config: cfg, send: email.Send}
}

func (c *MailConnector) Invoke(ctx context.Context, inv engine.Invocation) (engine.Ack, error) {
	cfg, ok := inv.Config.(model.EmailConfig)
	if !ok {
		return engine.Ack{}, configError(inv)
	}

	from := inv.Credential.Extra["from"]
	if from == "" {
		from = c.config.From
	}
	password := inv.Credential.Token
	if password == "" {
		password = c.config.Password
	}
	if from == "" || password == "" {
		return engine.Ack{}, errors.New("mail: sender and password are required")
	}

	var to []string
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return engine.Ack{}, errors.New("mail: no recipient")
	}

	m := email.NewMessage(cfg.Subject, cfg.Body)
	if cfg.HTML {
		m = email.NewHTMLMessage(cfg.Subject, cfg.Body)
	}
	m.From = mail.Address{Address: from}
	m.To = to

	auth := smtp.PlainAuth("", from, password, c.config.SMTP)
	server := c.config.SMTP + ":" + c.config.Port

	// smtp has no context support; give up waiting when ctx ends
	done := make(chan error, 1)
	go func() { done <- c.send(server, auth, m) }()
	select {
	case err := <-done:
		if err != nil {
			return engine.Ack{}, err
		}
	case <-ctx.Done():
		return engine.Ack{}, ctx.Err()
	}
	return engine.Ack{Outputs: map[string]string{"to": strings.Join(to, ",")}}, nil
}
