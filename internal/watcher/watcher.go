// Package watcher follows remote mail folders and turns what it sees into
// arrival and removal events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/config"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/imap"
	"github.com/vdavid/vbridge/internal/ingest"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/providers"
	"github.com/vdavid/vbridge/internal/reliability"
)

// Index answers which messages are already mapped and keeps each folder's
// UIDVALIDITY. *mapper.Mapper satisfies it.
type Index interface {
	Known(ctx context.Context, accountID, identity string) (bool, error)
	MappedUIDs(ctx context.Context, accountID, folder string) ([]db.MappedRef, error)
	FolderValidity(ctx context.Context, accountID, folder string) (uint32, bool, error)
	SetFolderValidity(ctx context.Context, accountID, folder string, validity uint32) error
	ResyncFolder(ctx context.Context, accountID, folder string, uids map[string]uint32) (int, error)
}

// SelectError is returned by Scan when the folder cannot be opened.
type SelectError struct {
	Folder string
	Err    error
}

func (e *SelectError) Error() string {
	return fmt.Sprintf("failed to select folder %s: %v", e.Folder, e.Err)
}

func (e *SelectError) Unwrap() error { return e.Err }

// Key identifies the watcher of one account folder.
func Key(accountID, folder string) string {
	return accountID + ":" + strings.ToLower(folder)
}

// Watcher follows one folder of one account over its own connection.
type Watcher struct {
	account   *models.Account
	folder    string
	dialer    imap.Dialer
	encryptor *crypto.Encryptor
	resolver  providers.FolderResolver
	index     Index
	sink      Sink
	cfg       config.ReceiveConfig
	backoff   reliability.Backoff
	log       zerolog.Logger
}

func New(account *models.Account, folder string, dialer imap.Dialer, encryptor *crypto.Encryptor, resolver providers.FolderResolver, index Index, sink Sink, cfg config.ReceiveConfig, log zerolog.Logger) *Watcher {
	return &Watcher{
		account:   account,
		folder:    folder,
		dialer:    dialer,
		encryptor: encryptor,
		resolver:  resolver,
		index:     index,
		sink:      sink,
		cfg:       cfg,
		backoff:   reliability.NewBackoff(cfg.ReconnectBackoff, cfg.ReconnectBackoffMax),
		log: logging.Component(log, "watcher").With().
			Str("account", logging.MaskEmail(account.Email)).
			Str("folder", folder).
			Logger(),
	}
}

func (w *Watcher) Key() string { return Key(w.account.ID, w.folder) }

// Run keeps a session open until ctx is done, reconnecting with backoff after
// every failure. The backoff resets whenever a scan succeeds.
func (w *Watcher) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := w.session(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}

		delay := w.backoff.Next(attempt)
		attempt++
		w.log.Warn().Err(err).Stringer("category", reliability.CategorizeError(err)).Int("attempt", attempt).Dur("retry_in", delay).Msg("mailbox session ended")
		if !reliability.Sleep(ctx, delay) {
			return nil
		}
	}
}

func (w *Watcher) session(ctx context.Context, scanned func()) error {
	creds, err := imap.CredentialsFor(w.account, w.encryptor)
	if err != nil {
		return err
	}

	dialTimeout := w.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	t, err := w.dialer.Dial(dialCtx, creds)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	if w.cfg.Mode == config.ReceiveModePolling {
		w.log.Debug().Dur("interval", w.cfg.PollingInterval).Msg("polling for changes")
		return w.pollLoop(ctx, t, w.cfg.PollingInterval, scanned)
	}
	if !t.SupportsIdle(ctx) {
		interval := w.cfg.IdleFallbackPoll
		if interval <= 0 {
			interval = w.cfg.PollingInterval
		}
		w.log.Debug().Dur("interval", interval).Msg("server has no IDLE, polling for changes")
		return w.pollLoop(ctx, t, interval, scanned)
	}
	w.log.Debug().Str("mode", string(w.cfg.Mode)).Msg("waiting for pushed changes")
	return w.pushLoop(ctx, t, scanned)
}

// pollLoop scans every interval. A folder that cannot be selected is skipped
// for the cycle; any other failure ends the session.
func (w *Watcher) pollLoop(ctx context.Context, t imap.Transport, interval time.Duration, scanned func()) error {
	for {
		err := w.Scan(ctx, t)
		var selErr *SelectError
		switch {
		case err == nil:
			scanned()
		case errors.As(err, &selErr):
			w.log.Warn().Err(err).Msg("skipping folder this cycle")
		default:
			return err
		}

		if !reliability.Sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

// pushLoop scans on entry and whenever the server reports a change. In
// hybrid mode it also scans every PollingInterval regardless.
func (w *Watcher) pushLoop(ctx context.Context, t imap.Transport, scanned func()) error {
	if err := w.Scan(ctx, t); err != nil {
		return err
	}
	scanned()
	lastScan := time.Now()

	wait := w.cfg.IdleTimeout
	if w.cfg.Mode == config.ReceiveModeHybrid && w.cfg.PollingInterval < wait {
		wait = w.cfg.PollingInterval
	}

	for {
		changed, err := t.WaitForChange(ctx, w.cfg.IdleFallbackPoll, wait)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}

		due := w.cfg.Mode == config.ReceiveModeHybrid && time.Since(lastScan) >= w.cfg.PollingInterval
		if !changed && !due {
			continue
		}
		if err := w.Scan(ctx, t); err != nil {
			return err
		}
		scanned()
		lastScan = time.Now()
	}
}

// Scan delivers every unseen message that is not mapped yet, then reports
// mapped messages that are gone from the server. When the folder's
// UIDVALIDITY changed since the last scan the mapped UIDs are stale: they are
// matched to the new ones by identity and no removals are reported.
func (w *Watcher) Scan(ctx context.Context, t imap.Transport) error {
	status, err := t.Select(ctx, w.folder)
	if err != nil {
		return &SelectError{Folder: w.folder, Err: err}
	}
	reset, err := w.validityChanged(ctx, status.UidValidity)
	if err != nil {
		return err
	}

	uids, err := t.SearchUnseen(ctx)
	if err != nil {
		return err
	}
	uids = w.order(ctx, t, uids)

	headers, err := t.FetchHeaders(ctx, uids)
	if err != nil {
		return err
	}
	byUID := make(map[uint32]imap.HeaderInfo, len(headers))
	seen := make(map[string]int, len(headers))
	for _, h := range headers {
		byUID[h.UID] = h
		if id := models.NormalizeMessageID(h.MessageID); models.UsableMessageID(id) {
			seen[id]++
		}
	}

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, ok := byUID[uid]
		if !ok {
			continue
		}
		if err := w.arrival(ctx, t, h, identityOf(w.folder, h, seen)); err != nil {
			return err
		}
	}

	if reset {
		return w.resync(ctx, t, status.UidValidity)
	}
	return w.removals(ctx, t)
}

// validityChanged compares the server's UIDVALIDITY with the stored one. The
// first value seen for a folder is stored as is.
func (w *Watcher) validityChanged(ctx context.Context, current uint32) (bool, error) {
	if current == 0 {
		return false, nil
	}
	stored, ok, err := w.index.FolderValidity(ctx, w.account.ID, w.folder)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, w.index.SetFolderValidity(ctx, w.account.ID, w.folder, current)
	}
	return stored != current, nil
}

// resync rebinds the folder's mapped records to the UIDs the server uses now.
// The new UIDVALIDITY is stored last, so a failed resync runs again.
func (w *Watcher) resync(ctx context.Context, t imap.Transport, validity uint32) error {
	all, err := t.SearchAll(ctx)
	if err != nil {
		return err
	}
	headers, err := t.FetchHeaders(ctx, all)
	if err != nil {
		return err
	}
	seen := make(map[string]int, len(headers))
	for _, h := range headers {
		if id := models.NormalizeMessageID(h.MessageID); models.UsableMessageID(id) {
			seen[id]++
		}
	}
	uids := make(map[string]uint32, len(headers))
	for _, h := range headers {
		uids[identityOf(w.folder, h, seen)] = h.UID
	}

	matched, err := w.index.ResyncFolder(ctx, w.account.ID, w.folder, uids)
	if err != nil {
		return err
	}
	if err := w.index.SetFolderValidity(ctx, w.account.ID, w.folder, validity); err != nil {
		return err
	}
	w.log.Warn().Uint32("uid_validity", validity).Int("messages", len(all)).Int("matched", matched).
		Msg("folder UIDVALIDITY changed, remapped uids")
	return nil
}

// identityOf is the normalized Message-ID, or a fingerprint when the id is
// missing, malformed or shared by several messages of this poll.
func identityOf(folder string, h imap.HeaderInfo, seen map[string]int) string {
	id := models.NormalizeMessageID(h.MessageID)
	if models.UsableMessageID(id) && seen[id] == 1 {
		return id
	}
	return models.Fingerprint(folder, h.UID, h.Size, h.InternalDate)
}

func (w *Watcher) order(ctx context.Context, t imap.Transport, uids []uint32) []uint32 {
	if len(uids) > 1 && t.SupportsThread(ctx) && (w.resolver == nil || w.resolver.SupportsThread()) {
		ordered, err := t.ThreadOrder(ctx, uids)
		if err == nil {
			return ordered
		}
		w.log.Debug().Err(err).Msg("thread ordering failed, using uid order")
	}
	out := append([]uint32(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (w *Watcher) arrival(ctx context.Context, t imap.Transport, h imap.HeaderInfo, identity string) error {
	log := w.log.With().Uint32("uid", h.UID).Logger()

	known, err := w.index.Known(ctx, w.account.ID, identity)
	if err != nil {
		return err
	}
	if known {
		// Delivered earlier but never flagged.
		if err := t.MarkRead(ctx, h.UID); err != nil {
			return err
		}
		log.Debug().Msg("already delivered, marked read")
		return nil
	}

	raw, err := t.FetchRaw(ctx, h.UID)
	if err != nil {
		return err
	}

	ev := Event{
		Kind: Arrival,
		Ref: models.RemoteMessageRef{
			AccountID: w.account.ID,
			Folder:    w.folder,
			UID:       h.UID,
			Identity:  identity,
		},
		Raw: &ingest.RawMessage{
			Folder:       w.folder,
			UID:          raw.UID,
			Flags:        raw.Flags,
			Size:         raw.Size,
			InternalDate: raw.InternalDate,
			Body:         raw.Body,
			Identity:     identity,
		},
	}

	// The message is finished even if ctx is cancelled meanwhile.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.ingestTimeout())
	defer cancel()

	markRead, err := w.sink.Handle(hctx, w.account, ev)
	if err != nil {
		log.Warn().Err(err).Msg("message not delivered, leaving it unread")
		return nil
	}
	if markRead {
		if err := t.MarkRead(hctx, h.UID); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) removals(ctx context.Context, t imap.Transport) error {
	mapped, err := w.index.MappedUIDs(ctx, w.account.ID, w.folder)
	if err != nil {
		return err
	}
	if len(mapped) == 0 {
		return nil
	}

	all, err := t.SearchAll(ctx)
	if err != nil {
		return err
	}
	present := make(map[uint32]bool, len(all))
	for _, uid := range all {
		present[uid] = true
	}

	for _, m := range mapped {
		if present[m.UID] {
			continue
		}
		ev := Event{
			Kind: Removal,
			Ref: models.RemoteMessageRef{
				AccountID: w.account.ID,
				Folder:    w.folder,
				UID:       m.UID,
				Identity:  m.Identity,
			},
		}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.ingestTimeout())
		_, err := w.sink.Handle(hctx, w.account, ev)
		cancel()
		if err != nil {
			w.log.Warn().Err(err).Uint32("uid", m.UID).Msg("failed to retire removed message")
		}
	}
	return nil
}

func (w *Watcher) ingestTimeout() time.Duration {
	if w.cfg.IngestTimeout <= 0 {
		return 2 * time.Minute
	}
	return w.cfg.IngestTimeout
}
