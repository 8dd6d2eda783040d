package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/imap"
)

// IMAPCleaner flags messages \Deleted and expunges them over one connection
// per call.
type IMAPCleaner struct {
	Pool      *pgxpool.Pool
	Dialer    imap.Dialer
	Encryptor *crypto.Encryptor
	Timeout   time.Duration
}

func (c IMAPCleaner) Clean(ctx context.Context, accountID string, byFolder map[string][]uint32) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	account, err := db.GetAccount(ctx, c.Pool, accountID)
	if err != nil {
		return err
	}
	creds, err := imap.CredentialsFor(account, c.Encryptor)
	if err != nil {
		return err
	}
	t, err := c.Dialer.Dial(ctx, creds)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	folders := make([]string, 0, len(byFolder))
	for f := range byFolder {
		folders = append(folders, f)
	}
	sort.Strings(folders)

	for _, folder := range folders {
		if err := t.DeleteMessages(ctx, folder, byFolder[folder]); err != nil {
			return fmt.Errorf("failed to delete messages in %s: %w", folder, err)
		}
	}
	return nil
}
