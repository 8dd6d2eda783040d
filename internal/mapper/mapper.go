// Package mapper keeps the durable mapping between mail threads and
// conversation topics.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/keylock"
	"github.com/vdavid/vbridge/internal/models"
)

const (
	maxTitleRunes  = 128
	defaultSubject = "(no subject)"
)

// TopicCreator opens a new conversation topic. platform.Platform satisfies it.
type TopicCreator interface {
	CreateTopic(ctx context.Context, accountID, title string) (string, error)
}

// TopicCreatorFunc adapts a function to TopicCreator.
type TopicCreatorFunc func(ctx context.Context, accountID, title string) (string, error)

func (f TopicCreatorFunc) CreateTopic(ctx context.Context, accountID, title string) (string, error) {
	return f(ctx, accountID, title)
}

// Mapper owns the thread table: which messages belong to which thread and
// which topic shows it. Writes to one thread are serialized by its lock.
type Mapper struct {
	pool     *pgxpool.Pool
	threads  *keylock.Locker
	creation *keylock.Locker
	log      zerolog.Logger
}

// New returns a Mapper over pool. Log lines are tagged component=mapper.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Mapper {
	return &Mapper{
		pool:     pool,
		threads:  keylock.New(),
		creation: keylock.New(),
		log:      log.With().Str("component", "mapper").Logger(),
	}
}

// TopicTitle is the title a new topic gets for a message subject.
func TopicTitle(subject string) string {
	subject = strings.Join(strings.Fields(subject), " ")
	if subject == "" {
		return defaultSubject
	}
	if utf8.RuneCountInString(subject) <= maxTitleRunes {
		return subject
	}
	return string([]rune(subject)[:maxTitleRunes])
}

// RootIdentity is the conversation root a record points at: the first
// References entry, else In-Reply-To, else the record itself.
func RootIdentity(rec *models.MessageRecord) string {
	for _, id := range rec.References {
		if id != "" {
			return id
		}
	}
	if rec.InReplyTo != "" {
		return rec.InReplyTo
	}
	return rec.Ref.Identity
}

func candidateIdentities(rec *models.MessageRecord) []string {
	ids := rec.Ancestors()
	if rec.Ref.Identity != "" {
		ids = append(ids, rec.Ref.Identity)
	}
	return ids
}

// ResolveOrCreateThread finds the thread rec belongs to, or opens a topic and
// a thread for it. created reports whether a new thread was made.
func (m *Mapper) ResolveOrCreateThread(ctx context.Context, accountID string, rec *models.MessageRecord, creator TopicCreator) (string, bool, error) {
	ids := candidateIdentities(rec)

	if threadID, ok, err := m.bestCandidate(ctx, accountID, ids); err != nil || ok {
		return threadID, false, err
	}

	root := RootIdentity(rec)
	unlock, err := m.creation.Lock(ctx, accountID+"|"+root)
	if err != nil {
		return "", false, err
	}
	defer unlock()

	// Another message of the same conversation may have won the race.
	if threadID, ok, err := m.bestCandidate(ctx, accountID, ids); err != nil || ok {
		return threadID, false, err
	}
	existing, err := db.GetThreadByRoot(ctx, m.pool, accountID, root)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, db.ErrThreadNotFound) {
		return "", false, err
	}

	topicID, err := creator.CreateTopic(ctx, accountID, TopicTitle(rec.Subject))
	if err != nil {
		return "", false, fmt.Errorf("failed to create topic: %w", err)
	}

	thread := &models.Thread{
		AccountID:     accountID,
		TopicID:       topicID,
		RootIdentity:  root,
		Subject:       rec.Subject,
		LastMessageAt: messageTime(rec),
	}
	err = db.InsertThread(ctx, m.pool, thread)
	if errors.Is(err, db.ErrThreadExists) {
		// Only reachable with a second process sharing the database.
		m.log.Warn().Str("account_id", accountID).Str("topic_id", topicID).Msg("thread root already mapped, leaving new topic unused")
		existing, err := db.GetThreadByRoot(ctx, m.pool, accountID, root)
		if err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return "", false, err
	}

	m.log.Debug().Str("thread_id", thread.ID).Str("topic_id", topicID).Msg("created thread")
	return thread.ID, true, nil
}

func (m *Mapper) bestCandidate(ctx context.Context, accountID string, ids []string) (string, bool, error) {
	candidates, err := db.FindThreadCandidates(ctx, m.pool, accountID, ids)
	if err != nil {
		return "", false, err
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	return candidates[0].ThreadID, true, nil
}

// AppendToThread stores rec in the thread and moves last_message_at forward.
// inserted is false when the account already had a record with this identity.
// A thread deleted in the meantime yields a ReconciliationConflictError.
func (m *Mapper) AppendToThread(ctx context.Context, threadID string, rec *models.MessageRecord) (bool, error) {
	unlock, err := m.threads.Lock(ctx, threadID)
	if err != nil {
		return false, err
	}
	defer unlock()

	return m.appendLocked(ctx, threadID, rec)
}

func (m *Mapper) appendLocked(ctx context.Context, threadID string, rec *models.MessageRecord) (bool, error) {
	if _, err := db.GetThread(ctx, m.pool, threadID); err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			return false, &apperr.ReconciliationConflictError{ThreadID: threadID}
		}
		return false, err
	}

	rec.ThreadID = threadID
	var inserted bool
	err := db.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		var err error
		inserted, err = db.InsertMessageRecord(ctx, tx, rec)
		if err != nil || !inserted {
			return err
		}
		return db.TouchThread(ctx, tx, threadID, messageTime(rec))
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// RecordOutbound stores a sent message in the thread behind topicID. A topic
// that has no thread yet (a new conversation started from the platform) gets
// one rooted at the sent message.
func (m *Mapper) RecordOutbound(ctx context.Context, accountID, topicID string, rec *models.MessageRecord) (string, error) {
	rec.Direction = models.DirectionOutbound
	rec.Ref.AccountID = accountID

	thread, err := db.GetThreadByTopic(ctx, m.pool, topicID)
	if errors.Is(err, db.ErrThreadNotFound) {
		thread = &models.Thread{
			AccountID:     accountID,
			TopicID:       topicID,
			RootIdentity:  RootIdentity(rec),
			Subject:       rec.Subject,
			LastMessageAt: messageTime(rec),
		}
		err = db.InsertThread(ctx, m.pool, thread)
		if errors.Is(err, db.ErrThreadExists) {
			thread, err = db.GetThreadByRoot(ctx, m.pool, accountID, thread.RootIdentity)
		}
	}
	if err != nil {
		return "", err
	}

	if _, err := m.AppendToThread(ctx, thread.ID, rec); err != nil {
		return "", err
	}
	return thread.ID, nil
}

// LookupThread returns the thread bound to a topic.
func (m *Mapper) LookupThread(ctx context.Context, topicID string) (string, bool, error) {
	thread, err := db.GetThreadByTopic(ctx, m.pool, topicID)
	if errors.Is(err, db.ErrThreadNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return thread.ID, true, nil
}

func (m *Mapper) Thread(ctx context.Context, threadID string) (*models.Thread, error) {
	return db.GetThread(ctx, m.pool, threadID)
}

// Threads lists every mapped thread.
func (m *Mapper) Threads(ctx context.Context) ([]*models.Thread, error) {
	return db.ListThreads(ctx, m.pool, "")
}

// LatestMessage returns the newest record of a thread.
func (m *Mapper) LatestMessage(ctx context.Context, threadID string) (*models.MessageRecord, error) {
	return db.GetLatestMessage(ctx, m.pool, threadID)
}

// RemoteRefs lists the server-side messages of a thread.
func (m *Mapper) RemoteRefs(ctx context.Context, threadID string) ([]models.RemoteMessageRef, error) {
	return db.ListRemoteRefsForThread(ctx, m.pool, threadID)
}

// DeleteThread removes the thread and its records.
func (m *Mapper) DeleteThread(ctx context.Context, threadID string) error {
	h, err := m.Hold(ctx, threadID)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.Delete(ctx)
}

// Known reports whether the account already mapped a message with this identity.
func (m *Mapper) Known(ctx context.Context, accountID, identity string) (bool, error) {
	return db.MessageExists(ctx, m.pool, accountID, identity)
}

// MappedUIDs lists the UIDs recorded for one folder.
func (m *Mapper) MappedUIDs(ctx context.Context, accountID, folder string) ([]db.MappedRef, error) {
	return db.ListMappedUIDs(ctx, m.pool, accountID, folder)
}

// FolderValidity returns the UIDVALIDITY recorded for a folder.
func (m *Mapper) FolderValidity(ctx context.Context, accountID, folder string) (uint32, bool, error) {
	return db.GetFolderValidity(ctx, m.pool, accountID, folder)
}

// SetFolderValidity records a folder's UIDVALIDITY.
func (m *Mapper) SetFolderValidity(ctx context.Context, accountID, folder string, validity uint32) error {
	return db.SetFolderValidity(ctx, m.pool, accountID, folder, validity)
}

// ResyncFolder replaces a folder's mapped UIDs after a UIDVALIDITY change.
// uids maps identity to the new UID.
func (m *Mapper) ResyncFolder(ctx context.Context, accountID, folder string, uids map[string]uint32) (int, error) {
	return db.RemapFolderUIDs(ctx, m.pool, accountID, folder, uids)
}

// UpdateRevision records the flags last seen on the server.
func (m *Mapper) UpdateRevision(ctx context.Context, accountID, identity, revision string) error {
	return db.UpdateRevision(ctx, m.pool, accountID, identity, revision)
}

// RetireRef drops the record of a message that disappeared from the server.
// It returns the owning thread and how many inbound records it still has.
func (m *Mapper) RetireRef(ctx context.Context, ref models.RemoteMessageRef) (string, int, error) {
	threadID, err := db.DeleteMessageByRef(ctx, m.pool, ref.AccountID, ref.Folder, ref.UID)
	if err != nil {
		return "", 0, err
	}

	remaining, err := db.CountInboundMessages(ctx, m.pool, threadID)
	if err != nil {
		return threadID, 0, err
	}
	return threadID, remaining, nil
}

// Held is a thread lock held by the caller. Mutations made through it do not
// take the lock again.
type Held struct {
	m        *Mapper
	threadID string
	unlock   func()
}

// Hold takes the thread lock. Release must be called.
func (m *Mapper) Hold(ctx context.Context, threadID string) (*Held, error) {
	unlock, err := m.threads.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &Held{m: m, threadID: threadID, unlock: unlock}, nil
}

// Release gives up the thread lock. Calling it more than once is safe.
func (h *Held) Release() { h.unlock() }

// Delete removes the thread mapping.
func (h *Held) Delete(ctx context.Context) error {
	return db.DeleteThread(ctx, h.m.pool, h.threadID)
}

// CountInbound counts the thread's messages that came from a mailbox.
func (h *Held) CountInbound(ctx context.Context) (int, error) {
	return db.CountInboundMessages(ctx, h.m.pool, h.threadID)
}

func messageTime(rec *models.MessageRecord) time.Time {
	if rec.Date.IsZero() {
		return time.Now()
	}
	return rec.Date
}
