// Package mailer sends email over SMTP. Each message carries a text/plain
// body with a text/html alternative.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/mail.v2"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/secret"
)

// ErrInvalidRecipient is returned when the recipient address does not parse.
var ErrInvalidRecipient = errors.New("invalid recipient")

// SMTPClient delivers messages through a single SMTP relay.
type SMTPClient struct {
	host     string
	port     int
	username string
	password secret.Secret
	from     string
	timeout  time.Duration

	// send is swapped in tests; the default dials the relay per message.
	send func(*mail.Message) error
}

// NewSMTPClient builds a client from cfg.
func NewSMTPClient(cfg config.EmailConfig) (*SMTPClient, error) {
	if _, err := domain.ParseSubscriberEmail(cfg.Sender); err != nil {
		return nil, fmt.Errorf("sender %q: %w", cfg.Sender, err)
	}
	c := &SMTPClient{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.Sender,
		timeout:  cfg.Timeout,
	}
	c.send = c.dialAndSend
	return c, nil
}

// Send delivers one message. ctx is checked before the relay is dialed; once
// the dial starts Send waits for it to finish, bounded by the dialer timeout,
// so a cancelled caller never leaves a message in flight it cannot account for.
func (c *SMTPClient) Send(ctx context.Context, recipient, subject, html, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := domain.ParseSubscriberEmail(recipient)
	if err != nil {
		return ErrInvalidRecipient
	}

	m := mail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)
	if html != "" {
		m.AddAlternative("text/html", html)
	}

	if err := c.send(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

func (c *SMTPClient) dialAndSend(m *mail.Message) error {
	d := mail.NewDialer(c.host, c.port, c.username, c.password.Expose())
	if c.timeout > 0 {
		d.Timeout = c.timeout
	}
	return d.DialAndSend(m)
}
