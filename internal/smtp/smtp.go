// Package smtp is the outbound mail transport.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/models"
)

// Credentials describe how to reach and authenticate to a submission server.
type Credentials struct {
	Host     string
	Port     int
	Security string
	Username string
	Password string
}

// Address returns host:port.
func (c Credentials) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// CredentialsFor unseals the account's SMTP password.
func CredentialsFor(account *models.Account, encryptor *crypto.Encryptor) (Credentials, error) {
	password, err := encryptor.Decrypt(account.EncryptedSMTPPassword)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}
	return Credentials{
		Host:     account.SMTPHost,
		Port:     account.SMTPPort,
		Security: account.SMTPSecurity,
		Username: account.SMTPUsername,
		Password: password,
	}, nil
}

// Session sends one or more messages over a single authenticated connection.
type Session interface {
	Send(ctx context.Context, from string, rcpts []string, data []byte) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// NetDialer dials real servers. Timeout bounds the dial and every command.
type NetDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Dial connects with implicit TLS, STARTTLS or plain text depending on
// creds.Security, then authenticates with PLAIN when the server offers AUTH.
func (d NetDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", creds.Address())
	if err != nil {
		return nil, apperr.Transient("smtp dial", err)
	}

	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: creds.Host}
	}

	var c *smtp.Client
	switch creds.Security {
	case models.SMTPSecurityTLS:
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	case models.SMTPSecuritySTARTTLS:
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, apperr.Transient("smtp starttls", err)
		}
	default:
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout

	if ok, _ := c.Extension("AUTH"); ok && creds.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", creds.Username, creds.Password)); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return &session{c: c}, nil
}

type session struct {
	c *smtp.Client
}

// Send runs one MAIL/RCPT/DATA transaction. A rejected transaction is reset
// so the session can carry the next one.
func (s *session) Send(ctx context.Context, from string, rcpts []string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rcpts) == 0 {
		return fmt.Errorf("no recipients")
	}

	if err := s.transaction(from, rcpts, data); err != nil {
		_ = s.c.Reset()
		return err
	}
	return nil
}

func (s *session) transaction(from string, rcpts []string, data []byte) error {
	if err := s.c.Mail(from, nil); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := s.c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("smtp RCPT TO: %w", err)
		}
	}

	w, err := s.c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp DATA rejected: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	if err := s.c.Quit(); err != nil {
		return s.c.Close()
	}
	return nil
}
