package imap

import (
	"bytes"
	"context"
	"time"

	"github.com/emersion/go-imap"
	"github.com/vdavid/vbridge/internal/apperr"
)

// ListFolders lists all folders on the server.
func (cl *Client) ListFolders(ctx context.Context) ([]string, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}

	if err := <-done; err != nil {
		return nil, apperr.Transient("list folders", err)
	}
	return folders, nil
}

// DeleteMessages flags uids in folder as \Deleted and expunges them.
// Reselects the folder, so callers scanning another folder must select again.
func (cl *Client) DeleteMessages(ctx context.Context, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, err := cl.selectLocked(ctx, folder); err != nil {
		return apperr.Transient("select", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return apperr.Transient("flag deleted", err)
	}
	if err := cl.c.Expunge(nil); err != nil {
		return apperr.Transient("expunge", err)
	}
	return nil
}

// Append stores raw in folder with the given flags.
func (cl *Client) Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if date.IsZero() {
		date = time.Now()
	}
	if err := cl.c.Append(folder, flags, date, bytes.NewBuffer(raw)); err != nil {
		return apperr.Transient("append", err)
	}
	return nil
}
