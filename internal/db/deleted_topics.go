package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeletionAttempt tracks remote cleanup for a thread whose topic disappeared.
type DeletionAttempt struct {
	ThreadID  string
	AccountID string
	TopicID   string
	Attempts  int
	LastError string
	Processed bool
}

// RecordDeletionAttempt counts one remote cleanup attempt and returns the new total.
func RecordDeletionAttempt(ctx context.Context, pool *pgxpool.Pool, threadID, accountID, topicID, lastError string) (int, error) {
	var attempts int
	err := pool.QueryRow(ctx, `
		INSERT INTO deleted_topics (thread_id, account_id, topic_id, attempts, last_error)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (thread_id) DO UPDATE SET
			attempts = deleted_topics.attempts + 1,
			last_error = EXCLUDED.last_error,
			updated_at = now()
		RETURNING attempts
	`, threadID, accountID, topicID, lastError).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record deletion attempt: %w", err)
	}
	return attempts, nil
}

// MarkDeletionProcessed marks the thread's remote cleanup as finished.
func MarkDeletionProcessed(ctx context.Context, pool *pgxpool.Pool, threadID, accountID, topicID string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO deleted_topics (thread_id, account_id, topic_id, processed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (thread_id) DO UPDATE SET processed_at = now(), updated_at = now()
	`, threadID, accountID, topicID)
	if err != nil {
		return fmt.Errorf("failed to mark deletion processed: %w", err)
	}
	return nil
}

// GetDeletionAttempt returns the cleanup state of a thread, or nil when none was recorded.
func GetDeletionAttempt(ctx context.Context, pool *pgxpool.Pool, threadID string) (*DeletionAttempt, error) {
	var d DeletionAttempt
	err := pool.QueryRow(ctx, `
		SELECT thread_id, account_id, topic_id, attempts, last_error, processed_at IS NOT NULL
		FROM deleted_topics
		WHERE thread_id = $1
	`, threadID).Scan(&d.ThreadID, &d.AccountID, &d.TopicID, &d.Attempts, &d.LastError, &d.Processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deletion attempt: %w", err)
	}
	return &d, nil
}
