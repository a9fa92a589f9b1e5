/**
 * @description
 * This package sends transactional email over SMTP. It is the transport behind
 * the merchant summary and customer receipt notifications.
 *
 * @dependencies
 * - github.com/wneessen/go-mail: SMTP client and MIME message builder.
 */
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

var ErrNoRecipient = errors.New("message has no recipient")

// Message is a single HTML email.
type Message struct {
	FromName    string
	FromAddress string
	To          string
	Subject     string
	HTML        string
}

// Config holds SMTP connection settings.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	TLSPolicy string
	Timeout   time.Duration
}

// SMTPMailer delivers messages through one SMTP relay. Each send dials its
// own connection, so concurrent sends never wait on each other.
type SMTPMailer struct {
	host string
	opts []mail.Option
}

func tlsPolicy(raw string) mail.TLSPolicy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mandatory":
		return mail.TLSMandatory
	case "none", "notls":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}

// NewSMTPMailer builds a mailer from cfg. It does not connect.
func NewSMTPMailer(cfg Config) (*SMTPMailer, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host is required")
	}

	opts := []mail.Option{
		mail.WithTLSPolicy(tlsPolicy(cfg.TLSPolicy)),
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

	// Validate the options once so a bad config fails at startup.
	if _, err := mail.NewClient(host, opts...); err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPMailer{host: host, opts: opts}, nil
}

func (s *SMTPMailer) newClient() (*mail.Client, error) {
	client, err := mail.NewClient(s.host, s.opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return client, nil
}

// bounded runs fn and gives up once ctx is done. The client does not honour
// the context while it waits for the server greeting, so a silent relay
// would otherwise hold the caller forever. An abandoned fn finishes in the
// background when the relay closes the connection or the dial timeout fires.
func bounded(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(msg Message) (*mail.Msg, error) {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return nil, ErrNoRecipient
	}

	m := mail.NewMsg()
	if err := m.FromFormat(msg.FromName, msg.FromAddress); err != nil {
		return nil, fmt.Errorf("set sender: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	return m, nil
}

// Send delivers msg. It returns no later than ctx's deadline.
func (s *SMTPMailer) Send(ctx context.Context, msg Message) error {
	m, err := buildMessage(msg)
	if err != nil {
		return err
	}
	client, err := s.newClient()
	if err != nil {
		return err
	}

	err = bounded(ctx, func() error {
		return client.DialAndSendWithContext(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

// Ping opens and closes a connection to verify the relay and credentials.
func (s *SMTPMailer) Ping(ctx context.Context) error {
	client, err := s.newClient()
	if err != nil {
		return err
	}
	return bounded(ctx, func() error {
		if err := client.DialWithContext(ctx); err != nil {
			return err
		}
		return client.Close()
	})
}
