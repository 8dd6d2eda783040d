package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vbridge/internal/models"
)

// ErrTopicNotFound is returned for unknown or deleted topics.
var ErrTopicNotFound = errors.New("topic not found")

// InsertTopic stores a new platform topic.
func InsertTopic(ctx context.Context, pool *pgxpool.Pool, t *models.Topic) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO platform_topics (id, account_id, title)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Title).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert topic: %w", err)
	}
	return nil
}

// TopicExists reports whether the topic exists and has not been deleted.
func TopicExists(ctx context.Context, pool *pgxpool.Pool, topicID string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM platform_topics WHERE id = $1 AND deleted_at IS NULL)
	`, topicID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check topic: %w", err)
	}
	return exists, nil
}

// GetTopic returns a live topic.
func GetTopic(ctx context.Context, pool *pgxpool.Pool, topicID string) (*models.Topic, error) {
	var t models.Topic
	err := pool.QueryRow(ctx, `
		SELECT id, account_id, title, pinned_message_id, created_at
		FROM platform_topics
		WHERE id = $1 AND deleted_at IS NULL
	`, topicID).Scan(&t.ID, &t.AccountID, &t.Title, &t.PinnedMessageID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return &t, nil
}

// ListTopics returns the live topics of an account with the thread mapped to each.
func ListTopics(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]*models.Topic, error) {
	rows, err := pool.Query(ctx, `
		SELECT p.id, p.account_id, p.title, p.pinned_message_id, COALESCE(t.id::text, ''), p.created_at
		FROM platform_topics p
		LEFT JOIN threads t ON t.topic_id = p.id
		WHERE p.account_id = $1 AND p.deleted_at IS NULL
		ORDER BY p.created_at DESC, p.id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []*models.Topic
	for rows.Next() {
		var t models.Topic
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Title, &t.PinnedMessageID, &t.ThreadID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate topics: %w", err)
	}
	return topics, nil
}

// MarkTopicDeleted soft-deletes a topic. Deleting twice is not an error.
func MarkTopicDeleted(ctx context.Context, pool *pgxpool.Pool, topicID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE platform_topics SET deleted_at = COALESCE(deleted_at, now()) WHERE id = $1
	`, topicID)
	if err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTopicNotFound
	}
	return nil
}

// SetPinnedMessage records the pinned message of a live topic.
func SetPinnedMessage(ctx context.Context, pool *pgxpool.Pool, topicID, messageID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE platform_topics SET pinned_message_id = $2
		WHERE id = $1 AND deleted_at IS NULL
		  AND EXISTS (SELECT 1 FROM platform_messages WHERE id = $2 AND topic_id = $1)
	`, topicID, messageID)
	if err != nil {
		return fmt.Errorf("failed to pin message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTopicNotFound
	}
	return nil
}

// InsertTopicMessage stores a post in a live topic.
func InsertTopicMessage(ctx context.Context, pool *pgxpool.Pool, m *models.TopicMessage) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO platform_messages (id, topic_id, kind, body, file_name, content_type, data)
		SELECT $1::text, id, $3::text, $4::text, $5::text, $6::text, $7::bytea
		FROM platform_topics
		WHERE id = $2 AND deleted_at IS NULL
		RETURNING created_at
	`, m.ID, m.TopicID, string(m.Kind), m.Body, m.FileName, m.ContentType, m.Data).Scan(&m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTopicNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert topic message: %w", err)
	}
	return nil
}

// EditTopicMessage replaces the body of a text post.
func EditTopicMessage(ctx context.Context, pool *pgxpool.Pool, topicID, messageID, body string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE platform_messages SET body = $3, edited_at = now()
		WHERE id = $2 AND topic_id = $1
	`, topicID, messageID, body)
	if err != nil {
		return fmt.Errorf("failed to edit topic message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTopicNotFound
	}
	return nil
}

// ListTopicMessages returns the posts of a topic in posting order.
func ListTopicMessages(ctx context.Context, pool *pgxpool.Pool, topicID string) ([]*models.TopicMessage, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, topic_id, kind, body, file_name, content_type, data, created_at, edited_at
		FROM platform_messages
		WHERE topic_id = $1
		ORDER BY seq
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list topic messages: %w", err)
	}
	defer rows.Close()

	var out []*models.TopicMessage
	for rows.Next() {
		var m models.TopicMessage
		var kind string
		if err := rows.Scan(&m.ID, &m.TopicID, &kind, &m.Body, &m.FileName, &m.ContentType, &m.Data, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic message: %w", err)
		}
		m.Kind = models.PostKind(kind)
		m.Size = len(m.Data)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate topic messages: %w", err)
	}
	return out, nil
}
