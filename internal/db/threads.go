package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vbridge/internal/models"
)

var (
	// ErrThreadNotFound is returned when a requested thread cannot be found.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrThreadExists is returned when a thread with the same root already exists.
	ErrThreadExists = errors.New("thread already exists")
)

// ThreadCandidate is a thread that owns at least one of the searched identities.
type ThreadCandidate struct {
	ThreadID      string
	LatestMatch   time.Time
	LastMessageAt time.Time
}

const threadColumns = `id, account_id, topic_id, root_identity, subject, last_message_at, created_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	err := row.Scan(&t.ID, &t.AccountID, &t.TopicID, &t.RootIdentity, &t.Subject, &t.LastMessageAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertThread stores a new thread mapping. It returns ErrThreadExists when
// the account already has a thread for the same root identity.
func InsertThread(ctx context.Context, q Querier, thread *models.Thread) error {
	if thread.LastMessageAt.IsZero() {
		thread.LastMessageAt = time.Now()
	}

	err := q.QueryRow(ctx, `
		INSERT INTO threads (account_id, topic_id, root_identity, subject, last_message_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, root_identity) DO NOTHING
		RETURNING id, created_at
	`, thread.AccountID, thread.TopicID, thread.RootIdentity, thread.Subject, thread.LastMessageAt).
		Scan(&thread.ID, &thread.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrThreadExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

// GetThread returns a thread by its ID.
func GetThread(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	t, err := scanThread(pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// GetThreadByTopic returns the thread that owns the topic.
func GetThreadByTopic(ctx context.Context, pool *pgxpool.Pool, topicID string) (*models.Thread, error) {
	t, err := scanThread(pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE topic_id = $1`, topicID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread by topic: %w", err)
	}
	return t, nil
}

// GetThreadByRoot returns the account's thread for a root identity.
func GetThreadByRoot(ctx context.Context, pool *pgxpool.Pool, accountID, rootIdentity string) (*models.Thread, error) {
	t, err := scanThread(pool.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM threads WHERE account_id = $1 AND root_identity = $2
	`, accountID, rootIdentity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread by root: %w", err)
	}
	return t, nil
}

// ListThreads returns every mapped thread, or only those of one account when accountID is set.
func ListThreads(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]*models.Thread, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE $1 = '' OR account_id::text = $1
		ORDER BY last_message_at DESC, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate threads: %w", err)
	}
	return threads, nil
}

// FindThreadCandidates returns the account's threads holding any of the given
// identities, either as a stored message or as the thread root. Results are
// ordered best first: the latest matching ancestor, then the most recently
// active thread, then the lowest ID.
func FindThreadCandidates(ctx context.Context, pool *pgxpool.Pool, accountID string, identities []string) ([]ThreadCandidate, error) {
	if len(identities) == 0 {
		return nil, nil
	}

	rows, err := pool.Query(ctx, `
		WITH matches AS (
			SELECT m.thread_id, COALESCE(m.sent_at, m.created_at) AS matched_at
			FROM message_records m
			WHERE m.account_id = $1 AND m.identity = ANY($2)
			UNION ALL
			SELECT t.id, t.last_message_at
			FROM threads t
			WHERE t.account_id = $1 AND t.root_identity = ANY($2)
			  AND NOT EXISTS (
				SELECT 1 FROM message_records r
				WHERE r.account_id = t.account_id AND r.identity = t.root_identity
			  )
		)
		SELECT t.id, MAX(x.matched_at) AS latest_match, t.last_message_at
		FROM matches x
		JOIN threads t ON t.id = x.thread_id
		GROUP BY t.id, t.last_message_at
		ORDER BY latest_match DESC, t.last_message_at DESC, t.id ASC
	`, accountID, identities)
	if err != nil {
		return nil, fmt.Errorf("failed to find thread candidates: %w", err)
	}
	defer rows.Close()

	var out []ThreadCandidate
	for rows.Next() {
		var c ThreadCandidate
		if err := rows.Scan(&c.ThreadID, &c.LatestMatch, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate thread candidates: %w", err)
	}
	return out, nil
}

// TouchThread moves last_message_at forward to at, never backwards.
func TouchThread(ctx context.Context, q Querier, threadID string, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE threads SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1
	`, threadID, at)
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	return nil
}

// DeleteThread removes the thread and, by cascade, its message records.
func DeleteThread(ctx context.Context, pool *pgxpool.Pool, threadID string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}
