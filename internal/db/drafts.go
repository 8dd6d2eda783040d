package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vbridge/internal/models"
)

var (
	// ErrDraftNotFound is returned when the topic has no active draft.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrDraftExists is returned when a second draft is started for a topic.
	ErrDraftExists = errors.New("draft already exists for topic")
	// ErrDraftVersionConflict is returned when a save is based on a stale version.
	ErrDraftVersionConflict = errors.New("draft was modified concurrently")
)

const draftColumns = `
	id, account_id, topic_id, kind, thread_id, from_address,
	to_addresses, cc_addresses, bcc_addresses, subject, in_reply_to, references_ids,
	body_markdown, signature_policy, pending_bcc, sent_message_id, sent_at,
	version, created_at, updated_at`

// GetDraftByTopic returns the active draft of a topic with its attachments.
func GetDraftByTopic(ctx context.Context, pool *pgxpool.Pool, topicID string) (*models.Draft, error) {
	var d models.Draft
	var kind, policy string
	var threadID *string
	var sentAt *time.Time

	err := pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM drafts WHERE topic_id = $1`, topicID).Scan(
		&d.ID, &d.AccountID, &d.TopicID, &kind, &threadID, &d.From,
		&d.To, &d.Cc, &d.Bcc, &d.Subject, &d.InReplyTo, &d.References,
		&d.BodyMarkdown, &policy, &d.PendingBcc, &d.SentMessageID, &sentAt,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}

	d.Kind = models.DraftKind(kind)
	if threadID != nil {
		d.ThreadID = *threadID
	}
	if sentAt != nil {
		d.SentAt = *sentAt
	}
	if d.Signature, err = models.ParseSignaturePolicy(policy); err != nil {
		return nil, fmt.Errorf("failed to parse signature policy of draft %s: %w", d.ID, err)
	}

	rows, err := pool.Query(ctx, `
		SELECT id, name, content_type, size, data
		FROM draft_attachments
		WHERE draft_id = $1
		ORDER BY seq
	`, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get draft attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.DraftAttachment
		if err := rows.Scan(&a.ID, &a.Name, &a.ContentType, &a.Size, &a.Data); err != nil {
			return nil, fmt.Errorf("failed to scan draft attachment: %w", err)
		}
		d.Attachments = append(d.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate draft attachments: %w", err)
	}

	return &d, nil
}

// InsertDraft stores a freshly started draft at version 1.
func InsertDraft(ctx context.Context, pool *pgxpool.Pool, d *models.Draft) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO drafts (
			account_id, topic_id, kind, thread_id, from_address,
			to_addresses, cc_addresses, bcc_addresses, subject, in_reply_to, references_ids,
			body_markdown, signature_policy, pending_bcc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, version, created_at, updated_at
	`,
		d.AccountID, d.TopicID, string(d.Kind), nullIfEmpty(d.ThreadID), d.From,
		emptyIfNil(d.To), emptyIfNil(d.Cc), emptyIfNil(d.Bcc), d.Subject, d.InReplyTo, emptyIfNil(d.References),
		d.BodyMarkdown, d.Signature.String(), emptyIfNil(d.PendingBcc),
	).Scan(&d.ID, &d.Version, &d.CreatedAt, &d.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDraftExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert draft: %w", err)
	}

	if len(d.Attachments) > 0 {
		return SaveDraft(ctx, pool, d)
	}
	return nil
}

// SaveDraft persists every field of the draft and its attachment list, bumping
// the version. The update only applies if the stored version still matches
// d.Version; otherwise ErrDraftVersionConflict is returned.
func SaveDraft(ctx context.Context, pool *pgxpool.Pool, d *models.Draft) error {
	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE drafts SET
				thread_id = $3, from_address = $4,
				to_addresses = $5, cc_addresses = $6, bcc_addresses = $7,
				subject = $8, in_reply_to = $9, references_ids = $10,
				body_markdown = $11, signature_policy = $12, pending_bcc = $13,
				sent_message_id = $14, sent_at = $15,
				version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`,
			d.ID, d.Version, nullIfEmpty(d.ThreadID), d.From,
			emptyIfNil(d.To), emptyIfNil(d.Cc), emptyIfNil(d.Bcc),
			d.Subject, d.InReplyTo, emptyIfNil(d.References),
			d.BodyMarkdown, d.Signature.String(), emptyIfNil(d.PendingBcc),
			d.SentMessageID, nullIfZero(d.SentAt),
		).Scan(&d.Version, &d.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDraftVersionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to update draft: %w", err)
		}

		keep := make([]string, 0, len(d.Attachments))
		for _, a := range d.Attachments {
			keep = append(keep, a.ID)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM draft_attachments WHERE draft_id = $1 AND NOT (id::text = ANY($2))
		`, d.ID, keep); err != nil {
			return fmt.Errorf("failed to prune draft attachments: %w", err)
		}

		for _, a := range d.Attachments {
			data := a.Data
			if data == nil {
				data = []byte{}
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO draft_attachments (id, draft_id, name, content_type, size, data)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO NOTHING
			`, a.ID, d.ID, a.Name, a.ContentType, a.Size, data); err != nil {
				return fmt.Errorf("failed to store draft attachment %s: %w", a.Name, err)
			}
		}
		return nil
	})
}

// DeleteDraft removes the active draft of a topic.
func DeleteDraft(ctx context.Context, pool *pgxpool.Pool, topicID string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM drafts WHERE topic_id = $1`, topicID)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDraftNotFound
	}
	return nil
}
