package send

import (
	"context"
	"fmt"
	"time"

	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/imap"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/providers"
)

// IMAPSentAppender appends sent mail over a short-lived IMAP connection. The
// folder comes from the provider table, never from a guess.
type IMAPSentAppender struct {
	Dialer    imap.Dialer
	Encryptor *crypto.Encryptor
	Providers *providers.Table
	Timeout   time.Duration
}

func (a IMAPSentAppender) AppendSent(ctx context.Context, account *models.Account, raw []byte, date time.Time) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	creds, err := imap.CredentialsFor(account, a.Encryptor)
	if err != nil {
		return err
	}
	t, err := a.Dialer.Dial(ctx, creds)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	folder := a.Providers.Resolver(account.Provider).Sent()
	if err := t.Append(ctx, folder, []string{`\Seen`}, date, raw); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return nil
}
