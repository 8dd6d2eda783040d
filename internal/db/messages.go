package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vbridge/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// MappedRef is the minimal view of a stored record used by the watcher.
type MappedRef struct {
	UID      uint32
	Identity string
	ThreadID string
}

const messageColumns = `
	id, thread_id, account_id, folder, uid, identity, revision, direction,
	subject, from_address, to_addresses, cc_addresses, bcc_addresses, sent_at,
	in_reply_to, references_ids, delivered_to, body_text, body_html,
	attachments, analysis, created_at`

func scanMessage(row pgx.Row) (*models.MessageRecord, error) {
	var m models.MessageRecord
	var uid int64
	var direction string
	var sentAt *time.Time
	var attachments, analysis []byte

	err := row.Scan(
		&m.ID, &m.ThreadID, &m.Ref.AccountID, &m.Ref.Folder, &uid, &m.Ref.Identity, &m.Ref.Revision, &direction,
		&m.Subject, &m.From, &m.To, &m.Cc, &m.Bcc, &sentAt,
		&m.InReplyTo, &m.References, &m.DeliveredTo, &m.BodyText, &m.BodyHTML,
		&attachments, &analysis, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Ref.UID = uint32(uid)
	m.Direction = models.Direction(direction)
	if sentAt != nil {
		m.Date = *sentAt
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
	}
	if len(analysis) > 0 {
		m.Analysis = &models.AnalysisResult{}
		if err := json.Unmarshal(analysis, m.Analysis); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
	}
	return &m, nil
}

// InsertMessageRecord stores a record unless the account already has one with
// the same identity. It reports whether a row was inserted.
func InsertMessageRecord(ctx context.Context, q Querier, m *models.MessageRecord) (bool, error) {
	attachments, err := json.Marshal(emptyAttachments(m.Attachments))
	if err != nil {
		return false, fmt.Errorf("failed to encode attachments: %w", err)
	}

	var analysis []byte
	if m.Analysis != nil {
		if analysis, err = json.Marshal(m.Analysis); err != nil {
			return false, fmt.Errorf("failed to encode analysis: %w", err)
		}
	}

	var sentAt *time.Time
	if !m.Date.IsZero() {
		sentAt = &m.Date
	}

	direction := m.Direction
	if direction == "" {
		direction = models.DirectionInbound
	}

	err = q.QueryRow(ctx, `
		INSERT INTO message_records (
			thread_id, account_id, folder, uid, identity, revision, direction,
			subject, from_address, to_addresses, cc_addresses, bcc_addresses, sent_at,
			in_reply_to, references_ids, delivered_to, body_text, body_html,
			attachments, analysis
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (account_id, identity) DO NOTHING
		RETURNING id, created_at
	`,
		m.ThreadID, m.Ref.AccountID, m.Ref.Folder, int64(m.Ref.UID), m.Ref.Identity, m.Ref.Revision, string(direction),
		m.Subject, m.From, emptyIfNil(m.To), emptyIfNil(m.Cc), emptyIfNil(m.Bcc), sentAt,
		m.InReplyTo, emptyIfNil(m.References), emptyIfNil(m.DeliveredTo), m.BodyText, m.BodyHTML,
		attachments, analysis,
	).Scan(&m.ID, &m.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert message record: %w", err)
	}
	m.Direction = direction
	return true, nil
}

// MessageExists reports whether the account already has a record with this identity.
func MessageExists(ctx context.Context, pool *pgxpool.Pool, accountID, identity string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM message_records WHERE account_id = $1 AND identity = $2)
	`, accountID, identity).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return exists, nil
}

// GetMessagesForThread returns the thread's records, oldest first.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]*models.MessageRecord, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM message_records
		WHERE thread_id = $1
		ORDER BY sent_at ASC NULLS LAST, id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for thread: %w", err)
	}
	defer rows.Close()

	var out []*models.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// GetLatestMessage returns the most recent record of the thread.
func GetLatestMessage(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.MessageRecord, error) {
	m, err := scanMessage(pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM message_records
		WHERE thread_id = $1
		ORDER BY sent_at DESC NULLS LAST, id DESC
		LIMIT 1
	`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest message: %w", err)
	}
	return m, nil
}

// ListMappedUIDs returns the inbound records stored for one folder of an account.
func ListMappedUIDs(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) ([]MappedRef, error) {
	rows, err := pool.Query(ctx, `
		SELECT uid, identity, thread_id
		FROM message_records
		WHERE account_id = $1 AND lower(folder) = lower($2) AND direction = 'inbound' AND uid > 0
		ORDER BY uid
	`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapped uids: %w", err)
	}
	defer rows.Close()

	var out []MappedRef
	for rows.Next() {
		var r MappedRef
		var uid int64
		if err := rows.Scan(&uid, &r.Identity, &r.ThreadID); err != nil {
			return nil, fmt.Errorf("failed to scan mapped uid: %w", err)
		}
		r.UID = uint32(uid)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mapped uids: %w", err)
	}
	return out, nil
}

// ListRemoteRefsForThread returns the server-side refs of the thread's inbound records.
func ListRemoteRefsForThread(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]models.RemoteMessageRef, error) {
	rows, err := pool.Query(ctx, `
		SELECT account_id, folder, uid, identity, revision
		FROM message_records
		WHERE thread_id = $1 AND direction = 'inbound' AND uid > 0
		ORDER BY folder, uid
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote refs: %w", err)
	}
	defer rows.Close()

	var out []models.RemoteMessageRef
	for rows.Next() {
		var r models.RemoteMessageRef
		var uid int64
		if err := rows.Scan(&r.AccountID, &r.Folder, &uid, &r.Identity, &r.Revision); err != nil {
			return nil, fmt.Errorf("failed to scan remote ref: %w", err)
		}
		r.UID = uint32(uid)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate remote refs: %w", err)
	}
	return out, nil
}

// DeleteMessageByRef removes the inbound record stored for a folder UID and
// returns the thread it belonged to.
func DeleteMessageByRef(ctx context.Context, pool *pgxpool.Pool, accountID, folder string, uid uint32) (string, error) {
	var threadID string
	err := pool.QueryRow(ctx, `
		DELETE FROM message_records
		WHERE account_id = $1 AND lower(folder) = lower($2) AND uid = $3 AND direction = 'inbound'
		RETURNING thread_id
	`, accountID, folder, int64(uid)).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to delete message record: %w", err)
	}
	return threadID, nil
}

// CountInboundMessages counts the thread's inbound records.
func CountInboundMessages(ctx context.Context, pool *pgxpool.Pool, threadID string) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM message_records WHERE thread_id = $1 AND direction = 'inbound'
	`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// UpdateRevision records the latest flags seen for a message.
func UpdateRevision(ctx context.Context, pool *pgxpool.Pool, accountID, identity, revision string) error {
	_, err := pool.Exec(ctx, `
		UPDATE message_records SET revision = $3 WHERE account_id = $1 AND identity = $2
	`, accountID, identity, revision)
	if err != nil {
		return fmt.Errorf("failed to update revision: %w", err)
	}
	return nil
}

func emptyAttachments(list []models.AttachmentMeta) []models.AttachmentMeta {
	if list == nil {
		return []models.AttachmentMeta{}
	}
	return list
}
