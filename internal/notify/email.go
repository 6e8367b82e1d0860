package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// EmailConfig configures the SMTP sink. Recipients are the fixed operator
// list for this deployment.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string

	// TLS is "mandatory", "opportunistic" or "none".
	TLS     string
	Timeout time.Duration
}

type emailSink struct {
	cfg    EmailConfig
	client *mail.Client
}

func newEmailSink(cfg EmailConfig) (*emailSink, error) {
	if cfg.From == "" {
		return nil, fmt.Errorf("email sender required")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("email recipients required")
	}

	opts := []mail.Option{
		mail.WithTLSPolicy(tlsPolicy(cfg.TLS)),
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client for %s: %w", cfg.Host, err)
	}
	return &emailSink{cfg: cfg, client: client}, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch strings.ToLower(s) {
	case "mandatory":
		return mail.TLSMandatory
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}

func (e *emailSink) name() string { return "email" }

func (e *emailSink) send(ctx context.Context, msg Message) error {
	m, err := e.build(msg)
	if err != nil {
		return err
	}
	if err := e.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail via %s: %w", e.cfg.Host, err)
	}
	return nil
}

func (e *emailSink) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(e.cfg.From); err != nil {
		return nil, fmt.Errorf("set sender %q: %w", e.cfg.From, err)
	}
	if err := m.To(e.cfg.To...); err != nil {
		return nil, fmt.Errorf("set recipients: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}
