// Package send renders drafts and delivers them over SMTP in recipient batches.
package send

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/keylock"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/mapper"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/signature"
	"github.com/vdavid/vbridge/internal/smtp"
)

// DefaultTimeout bounds each SMTP dial and transaction.
const DefaultTimeout = 30 * time.Second

type Status string

const (
	StatusSent           Status = "sent"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// BatchResult is the outcome of one envelope batch. Index is 1-based.
type BatchResult struct {
	Index      int      `json:"index"`
	Recipients []string `json:"recipients"`
	Err        error    `json:"-"`
}

// Result describes one logical send.
type Result struct {
	MessageID string        `json:"message_id"`
	Date      time.Time     `json:"date"`
	Status    Status        `json:"status"`
	Batches   []BatchResult `json:"batches"`
	ThreadID  string        `json:"thread_id,omitempty"`
}

// FailedRecipients lists the recipients of every failed batch.
func (r *Result) FailedRecipients() []string {
	var out []string
	for _, b := range r.Batches {
		if b.Err != nil {
			out = append(out, b.Recipients...)
		}
	}
	return out
}

// Err is nil for a full success, a *apperr.PartialDeliveryError when some
// batches went out, and the first batch error otherwise.
func (r *Result) Err() error {
	switch r.Status {
	case StatusSent:
		return nil
	case StatusPartialFailure:
		pd := &apperr.PartialDeliveryError{Causes: make(map[int]error)}
		for _, b := range r.Batches {
			if b.Err == nil {
				pd.Succeeded = append(pd.Succeeded, b.Index)
				continue
			}
			pd.Failed = append(pd.Failed, b.Index)
			pd.FailedRecipients = append(pd.FailedRecipients, b.Recipients...)
			pd.Causes[b.Index] = b.Err
		}
		return pd
	default:
		for _, b := range r.Batches {
			if b.Err != nil {
				return fmt.Errorf("failed to send message: %w", b.Err)
			}
		}
		return errors.New("failed to send message")
	}
}

// SentAppender keeps a copy of sent mail in the account's Sent folder.
type SentAppender interface {
	AppendSent(ctx context.Context, account *models.Account, raw []byte, date time.Time) error
}

type Pipeline struct {
	pool      *pgxpool.Pool
	mapper    *mapper.Mapper
	dialer    smtp.Dialer
	encryptor *crypto.Encryptor
	sent      SentAppender
	accounts  *keylock.Locker
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewPipeline builds a send pipeline. sent may be nil to skip the Sent copy.
func NewPipeline(pool *pgxpool.Pool, m *mapper.Mapper, dialer smtp.Dialer, encryptor *crypto.Encryptor, sent SentAppender, timeout time.Duration, log zerolog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		pool:      pool,
		mapper:    m,
		dialer:    dialer,
		encryptor: encryptor,
		sent:      sent,
		accounts:  keylock.New(),
		timeout:   timeout,
		now:       time.Now,
		log:       logging.Component(log, "send"),
	}
}

// Send delivers a draft. A draft with PendingBcc only goes to those
// recipients, with the original headers: when SentMessageID is set the retry
// reuses that Message-ID and date, and the message is not recorded or filed
// in Sent a second time. The returned error is Result.Err() unless the draft
// could not be composed at all.
func (p *Pipeline) Send(ctx context.Context, account *models.Account, d *models.Draft) (*Result, error) {
	if missing := d.MissingField(); missing != "" {
		return nil, apperr.Validation(missing, "", "required")
	}

	rendered, err := Render(d.BodyMarkdown, signature.Resolve(account.Signatures, d.Signature))
	if err != nil {
		return nil, err
	}

	resuming := len(d.PendingBcc) > 0 && d.SentMessageID != ""
	date, messageID := p.now(), d.SentMessageID
	if !resuming {
		messageID = NewMessageID(d.From)
	} else if !d.SentAt.IsZero() {
		date = d.SentAt
	}
	raw, err := Compose(d, account.DisplayName, rendered, messageID, date)
	if err != nil {
		return nil, err
	}

	var batches [][]string
	if len(d.PendingBcc) > 0 {
		batches = Batch(nil, nil, d.PendingBcc, account.RecipientLimit())
	} else {
		batches = Batch(d.To, d.Cc, d.Bcc, account.RecipientLimit())
	}
	if len(batches) == 0 {
		return nil, apperr.Validation("to", "", "required")
	}

	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, apperr.Validation("from", d.From, "not a valid address")
	}

	log := p.log.With().
		Str("account", logging.MaskEmail(account.Email)).
		Str("topic_id", d.TopicID).
		Str("message_id", messageID).
		Logger()

	unlock, err := p.accounts.Lock(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	creds, err := smtp.CredentialsFor(account, p.encryptor)
	if err != nil {
		return nil, err
	}

	result := &Result{MessageID: messageID, Date: date}
	var session smtp.Session
	defer func() {
		if session != nil {
			_ = session.Close()
		}
	}()

	succeeded := 0
	for i, rcpts := range batches {
		br := BatchResult{Index: i + 1, Recipients: rcpts}

		if session == nil {
			session, br.Err = p.dial(ctx, creds)
		}
		if br.Err == nil {
			br.Err = p.transact(ctx, session, from.Address, rcpts, raw)
			if br.Err != nil {
				// The connection may be unusable; the next batch dials again.
				_ = session.Close()
				session = nil
			}
		}

		if br.Err != nil {
			log.Warn().Err(br.Err).Int("batch", br.Index).Int("recipients", len(rcpts)).Msg("batch failed")
		} else {
			succeeded++
			if succeeded == 1 {
				p.rememberSignature(ctx, account.ID, d.Signature, log)
			}
		}
		result.Batches = append(result.Batches, br)
	}

	switch {
	case succeeded == len(batches):
		result.Status = StatusSent
	case succeeded > 0:
		result.Status = StatusPartialFailure
	default:
		result.Status = StatusFailed
	}

	switch {
	case resuming:
		result.ThreadID = d.ThreadID
	case succeeded > 0:
		result.ThreadID = p.recordOutbound(ctx, account, d, rendered, messageID, date, log)
		p.appendSent(ctx, account, raw, date, log)
	}

	log.Info().Str("status", string(result.Status)).Bool("retry", resuming).Int("batches", len(batches)).Int("succeeded", succeeded).Msg("send finished")
	return result, result.Err()
}

func (p *Pipeline) dial(ctx context.Context, creds smtp.Credentials) (smtp.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.dialer.Dial(ctx, creds)
}

func (p *Pipeline) transact(ctx context.Context, s smtp.Session, from string, rcpts []string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return s.Send(ctx, from, rcpts, raw)
}

func (p *Pipeline) rememberSignature(ctx context.Context, accountID string, policy models.SignaturePolicy, log zerolog.Logger) {
	if err := db.SaveSignaturePreference(ctx, p.pool, accountID, policy); err != nil {
		log.Warn().Err(err).Msg("failed to save signature preference")
	}
}

func (p *Pipeline) recordOutbound(ctx context.Context, account *models.Account, d *models.Draft, body Rendered, messageID string, date time.Time, log zerolog.Logger) string {
	rec := &models.MessageRecord{
		Ref: models.RemoteMessageRef{
			AccountID: account.ID,
			Identity:  models.NormalizeMessageID(messageID),
		},
		Subject:    d.Subject,
		From:       d.From,
		To:         d.To,
		Cc:         d.Cc,
		Bcc:        d.Bcc,
		Date:       date,
		InReplyTo:  models.NormalizeMessageID(d.InReplyTo),
		References: d.References,
		BodyText:   body.Text,
		BodyHTML:   body.HTML,
	}
	for _, a := range d.Attachments {
		rec.Attachments = append(rec.Attachments, models.AttachmentMeta{Name: a.Name, ContentType: a.ContentType, Size: a.Size})
	}

	threadID, err := p.mapper.RecordOutbound(ctx, account.ID, d.TopicID, rec)
	if err != nil {
		log.Warn().Err(err).Msg("failed to record sent message in thread")
		return ""
	}
	return threadID
}

func (p *Pipeline) appendSent(ctx context.Context, account *models.Account, raw []byte, date time.Time, log zerolog.Logger) {
	if p.sent == nil {
		return
	}
	if err := p.sent.AppendSent(ctx, account, raw, date); err != nil {
		log.Warn().Err(err).Msg("failed to store copy in Sent folder")
	}
}
