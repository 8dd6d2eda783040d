// Package draft drives the per-topic draft composition state machine.
package draft

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/identity"
	"github.com/vdavid/vbridge/internal/ingest"
	"github.com/vdavid/vbridge/internal/keylock"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/mapper"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/send"
	"github.com/vdavid/vbridge/internal/signature"
)

// ErrAttachmentNotFound is returned when removing an unknown attachment.
var ErrAttachmentNotFound = errors.New("attachment not found")

// NewTopicTitle names topics opened for a new outgoing message.
const NewTopicTitle = "New message"

const forwardMarker = "---------- Forwarded message ----------"

// Sender delivers a ready draft. *send.Pipeline satisfies it.
type Sender interface {
	Send(ctx context.Context, account *models.Account, d *models.Draft) (*send.Result, error)
}

// StartRequest opens or resumes the draft of a topic. TopicID may be empty
// for a new message, in which case a topic is created; ThreadID may be given
// instead of TopicID for replies and forwards. AccountID defaults to the
// topic's account.
type StartRequest struct {
	AccountID string
	TopicID   string
	Kind      models.DraftKind
	ThreadID  string
}

type Service struct {
	pool   *pgxpool.Pool
	mapper *mapper.Mapper
	topics mapper.TopicCreator
	sender Sender
	locks  *keylock.Locker
	log    zerolog.Logger
}

func NewService(pool *pgxpool.Pool, m *mapper.Mapper, topics mapper.TopicCreator, sender Sender, log zerolog.Logger) *Service {
	return &Service{
		pool:   pool,
		mapper: m,
		topics: topics,
		sender: sender,
		locks:  keylock.New(),
		log:    logging.Component(log, "draft"),
	}
}

// Start returns the topic's draft, creating and seeding it when there is none.
// resumed is true when an existing draft was returned unchanged.
func (s *Service) Start(ctx context.Context, req StartRequest) (d *models.Draft, resumed bool, err error) {
	if req.Kind == "" {
		req.Kind = models.DraftKindNew
	}
	if _, err := models.ParseDraftKind(string(req.Kind)); err != nil {
		return nil, false, apperr.Validation("kind", string(req.Kind), "must be new, reply or forward")
	}

	if req.AccountID == "" && req.TopicID != "" {
		topic, err := db.GetTopic(ctx, s.pool, req.TopicID)
		if err != nil {
			return nil, false, err
		}
		req.AccountID = topic.AccountID
	}

	account, err := db.GetAccount(ctx, s.pool, req.AccountID)
	if err != nil {
		return nil, false, err
	}

	var thread *models.Thread
	if req.ThreadID != "" {
		if thread, err = s.mapper.Thread(ctx, req.ThreadID); err != nil {
			return nil, false, err
		}
		if req.TopicID == "" {
			req.TopicID = thread.TopicID
		}
	}

	if req.TopicID == "" {
		if req.Kind != models.DraftKindNew {
			return nil, false, apperr.Validation("topic_id", "", "required for "+string(req.Kind))
		}
		if req.TopicID, err = s.topics.CreateTopic(ctx, account.ID, NewTopicTitle); err != nil {
			return nil, false, fmt.Errorf("failed to create topic for new draft: %w", err)
		}
	}

	unlock, err := s.locks.Lock(ctx, req.TopicID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := db.GetDraftByTopic(ctx, s.pool, req.TopicID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, db.ErrDraftNotFound) {
		return nil, false, err
	}

	if thread == nil {
		threadID, ok, err := s.mapper.LookupThread(ctx, req.TopicID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if thread, err = s.mapper.Thread(ctx, threadID); err != nil {
				return nil, false, err
			}
		}
	}
	if thread != nil && thread.AccountID != account.ID {
		return nil, false, apperr.Validation("topic_id", req.TopicID, "belongs to another account")
	}

	d = &models.Draft{
		AccountID: account.ID,
		TopicID:   req.TopicID,
		Kind:      req.Kind,
		From:      identity.Bare(account.Email),
		Signature: models.DefaultSignature(),
	}
	if policy, found, err := db.GetSignaturePreference(ctx, s.pool, account.ID); err != nil {
		return nil, false, err
	} else if found {
		d.Signature = policy
	}

	if thread != nil {
		d.ThreadID = thread.ID
		latest, err := s.mapper.LatestMessage(ctx, thread.ID)
		if err != nil && !errors.Is(err, db.ErrMessageNotFound) {
			return nil, false, err
		}
		if latest != nil {
			d.From = identity.ChooseRecommendedFrom(latest.DeliveredTo, account.Identities(), account.Email)
			seed(d, latest, account)
		}
	}
	if req.Kind != models.DraftKindNew && d.ThreadID == "" {
		return nil, false, apperr.Validation("topic_id", req.TopicID, "topic has no mail thread to "+string(req.Kind))
	}

	if err := db.InsertDraft(ctx, s.pool, d); err != nil {
		if errors.Is(err, db.ErrDraftExists) {
			existing, getErr := db.GetDraftByTopic(ctx, s.pool, req.TopicID)
			return existing, getErr == nil, getErr
		}
		return nil, false, err
	}

	s.log.Info().Str("topic_id", d.TopicID).Str("kind", string(d.Kind)).Msg("draft started")
	return d, false, nil
}

// seed fills a reply or forward from the latest message of the thread.
func seed(d *models.Draft, latest *models.MessageRecord, account *models.Account) {
	switch d.Kind {
	case models.DraftKindReply:
		if latest.Direction == models.DirectionOutbound {
			d.To = append([]string(nil), latest.To...)
			d.Cc = append([]string(nil), latest.Cc...)
		} else {
			d.To = []string{latest.From}
			d.Cc = replyCc(latest, account)
		}
		d.Subject = withPrefix("Re:", latest.Subject, "re:")
		d.References = append([]string(nil), latest.References...)
		if id := latest.Ref.Identity; !strings.HasPrefix(id, models.FingerprintPrefix) {
			d.InReplyTo = id
			d.References = appendUnique(d.References, id)
		}

	case models.DraftKindForward:
		d.Subject = withPrefix("Fwd:", latest.Subject, "fwd:", "fw:")
		d.BodyMarkdown = forwardBody(latest)
	}
}

// replyCc is the original To and Cc without our own addresses and the sender.
func replyCc(latest *models.MessageRecord, account *models.Account) []string {
	own := make(map[string]bool)
	for _, id := range account.Identities() {
		own[id] = true
	}
	seen := map[string]bool{identity.Bare(latest.From): true}

	var out []string
	for _, addr := range append(append([]string(nil), latest.To...), latest.Cc...) {
		bare := identity.Bare(addr)
		raw, base := identity.NormalizePlus(bare)
		if bare == "" || own[raw] || own[base] || seen[bare] {
			continue
		}
		seen[bare] = true
		out = append(out, addr)
	}
	return out
}

func withPrefix(prefix, subject string, existing ...string) string {
	subject = strings.TrimSpace(subject)
	lower := strings.ToLower(subject)
	for _, p := range existing {
		if strings.HasPrefix(lower, p) {
			return subject
		}
	}
	if subject == "" {
		return prefix
	}
	return prefix + " " + subject
}

func forwardBody(rec *models.MessageRecord) string {
	var b strings.Builder
	b.WriteString(forwardMarker)
	b.WriteString("\n")
	b.WriteString(ingest.HeaderBlock(rec))
	b.WriteString("\n")
	for _, line := range strings.Split(strings.TrimSpace(rec.BodyText), "\n") {
		b.WriteString("\n> ")
		b.WriteString(strings.TrimRight(line, "\r"))
	}
	return b.String()
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// Get returns the active draft of a topic.
func (s *Service) Get(ctx context.Context, topicID string) (*models.Draft, error) {
	d, err := db.GetDraftByTopic(ctx, s.pool, topicID)
	if errors.Is(err, db.ErrDraftNotFound) {
		return nil, apperr.ErrNoActiveDraft
	}
	return d, err
}

// mutate applies fn to the draft under the topic lock and persists it. When
// fn fails nothing is written.
func (s *Service) mutate(ctx context.Context, topicID string, fn func(d *models.Draft) error) (*models.Draft, error) {
	unlock, err := s.locks.Lock(ctx, topicID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.Get(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	if err := db.SaveDraft(ctx, s.pool, d); err != nil {
		return nil, err
	}
	return d, nil
}

// SetField sets from, to, cc, bcc or subject. Recipient fields take a
// comma-separated list; an empty value clears the field. Changing recipients
// drops any pending retry list.
func (s *Service) SetField(ctx context.Context, topicID, field, value string) (*models.Draft, error) {
	field = strings.ToLower(strings.TrimSpace(field))
	value = strings.TrimSpace(value)

	var apply func(d *models.Draft)
	switch field {
	case "from":
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return nil, apperr.Validation(field, value, "not a valid address")
		}
		from := formatAddress(addr)
		apply = func(d *models.Draft) { d.From = from }

	case "to", "cc", "bcc":
		list, err := parseRecipients(value)
		if err != nil {
			return nil, apperr.Validation(field, value, "not a valid address list")
		}
		apply = func(d *models.Draft) {
			switch field {
			case "to":
				d.To = list
			case "cc":
				d.Cc = list
			default:
				d.Bcc = list
			}
			d.PendingBcc = nil
			d.SentMessageID, d.SentAt = "", time.Time{}
		}

	case "subject":
		apply = func(d *models.Draft) { d.Subject = value }

	default:
		return nil, apperr.Validation("field", field, "must be from, to, cc, bcc or subject")
	}

	return s.mutate(ctx, topicID, func(d *models.Draft) error {
		apply(d)
		return nil
	})
}

func parseRecipients(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress(a))
	}
	return out, nil
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}

// AppendBody adds a paragraph to the markdown body.
func (s *Service) AppendBody(ctx context.Context, topicID, text string) (*models.Draft, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("body", "", "nothing to append")
	}
	return s.mutate(ctx, topicID, func(d *models.Draft) error {
		if strings.TrimSpace(d.BodyMarkdown) == "" {
			d.BodyMarkdown = text
		} else {
			d.BodyMarkdown += "\n\n" + text
		}
		return nil
	})
}

// AddAttachment stores a file on the draft and returns its id.
func (s *Service) AddAttachment(ctx context.Context, topicID, name, contentType string, data []byte) (string, error) {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "attachment"
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	att := models.DraftAttachment{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	}
	if _, err := s.mutate(ctx, topicID, func(d *models.Draft) error {
		d.Attachments = append(d.Attachments, att)
		return nil
	}); err != nil {
		return "", err
	}
	return att.ID, nil
}

func (s *Service) RemoveAttachment(ctx context.Context, topicID, attID string) (*models.Draft, error) {
	return s.mutate(ctx, topicID, func(d *models.Draft) error {
		for i, a := range d.Attachments {
			if a.ID == attID {
				d.Attachments = append(d.Attachments[:i], d.Attachments[i+1:]...)
				return nil
			}
		}
		return ErrAttachmentNotFound
	})
}

// SetSignature picks the signature policy. An explicit id must exist in the
// account's signature set.
func (s *Service) SetSignature(ctx context.Context, topicID string, policy models.SignaturePolicy) (*models.Draft, error) {
	return s.mutate(ctx, topicID, func(d *models.Draft) error {
		if policy.Mode == models.SignatureExplicit {
			account, err := db.GetAccount(ctx, s.pool, d.AccountID)
			if err != nil {
				return err
			}
			if _, ok := signature.Find(signature.Normalize(account.Signatures), policy.ID); !ok {
				return apperr.Validation("signature", policy.ID, "unknown signature")
			}
		}
		d.Signature = policy
		return nil
	})
}

// Send hands the draft to the sender. A full success deletes the draft; a
// partial failure keeps it with PendingBcc set to the recipients that were
// not reached; a total failure leaves it as it was.
func (s *Service) Send(ctx context.Context, topicID string) (*send.Result, error) {
	unlock, err := s.locks.Lock(ctx, topicID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.Get(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if missing := d.MissingField(); missing != "" {
		return nil, apperr.Validation(missing, "", "required")
	}

	account, err := db.GetAccount(ctx, s.pool, d.AccountID)
	if err != nil {
		return nil, err
	}

	result, sendErr := s.sender.Send(ctx, account, d)
	if result == nil {
		return nil, sendErr
	}

	log := s.log.With().Str("topic_id", topicID).Str("status", string(result.Status)).Logger()
	switch result.Status {
	case send.StatusSent:
		if err := db.DeleteDraft(ctx, s.pool, topicID); err != nil {
			log.Error().Err(err).Msg("failed to delete sent draft")
		}
	case send.StatusPartialFailure:
		d.PendingBcc = result.FailedRecipients()
		d.SentMessageID, d.SentAt = result.MessageID, result.Date
		if err := db.SaveDraft(ctx, s.pool, d); err != nil {
			log.Error().Err(err).Msg("failed to keep pending recipients")
		}
		log.Warn().Int("pending", len(d.PendingBcc)).Msg("draft kept for recipients not reached")
	}
	return result, sendErr
}

// Cancel discards the draft of a topic.
func (s *Service) Cancel(ctx context.Context, topicID string) error {
	unlock, err := s.locks.Lock(ctx, topicID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := db.DeleteDraft(ctx, s.pool, topicID); err != nil {
		if errors.Is(err, db.ErrDraftNotFound) {
			return apperr.ErrNoActiveDraft
		}
		return err
	}
	return nil
}
