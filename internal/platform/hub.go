package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/models"
	ws "github.com/vdavid/vbridge/internal/websocket"
)

// HubPlatform stores topics and posts in Postgres and pushes every change to
// the account's WebSocket subscribers.
type HubPlatform struct {
	pool    *pgxpool.Pool
	hub     *ws.Hub
	timeout time.Duration
	log     zerolog.Logger
}

var _ Platform = (*HubPlatform)(nil)

func NewHubPlatform(pool *pgxpool.Pool, hub *ws.Hub, timeout time.Duration, log zerolog.Logger) *HubPlatform {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HubPlatform{
		pool:    pool,
		hub:     hub,
		timeout: timeout,
		log:     log.With().Str("component", "platform").Logger(),
	}
}

func (p *HubPlatform) CreateTopic(ctx context.Context, accountID, title string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	topic := &models.Topic{ID: uuid.NewString(), AccountID: accountID, Title: title}
	if err := db.InsertTopic(ctx, p.pool, topic); err != nil {
		return "", err
	}

	p.hub.Broadcast(ws.Event{Type: EventTopicCreated, AccountID: accountID, TopicID: topic.ID, Data: topic})
	return topic.ID, nil
}

func (p *HubPlatform) Post(ctx context.Context, topicID string, post Post) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	topic, err := db.GetTopic(ctx, p.pool, topicID)
	if err != nil {
		return "", err
	}

	kind := post.Kind
	if kind == "" {
		kind = models.PostKindText
	}
	msg := &models.TopicMessage{
		ID:          uuid.NewString(),
		TopicID:     topicID,
		Kind:        kind,
		Body:        post.Text,
		FileName:    post.FileName,
		ContentType: post.ContentType,
		Data:        post.Data,
		Size:        len(post.Data),
	}
	if err := db.InsertTopicMessage(ctx, p.pool, msg); err != nil {
		return "", err
	}

	p.hub.Broadcast(ws.Event{Type: EventMessagePosted, AccountID: topic.AccountID, TopicID: topicID, MessageID: msg.ID, Data: msg})
	return msg.ID, nil
}

func (p *HubPlatform) Pin(ctx context.Context, topicID, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	topic, err := db.GetTopic(ctx, p.pool, topicID)
	if err != nil {
		return err
	}
	if err := db.SetPinnedMessage(ctx, p.pool, topicID, messageID); err != nil {
		return fmt.Errorf("failed to pin %s: %w", messageID, err)
	}

	p.hub.Broadcast(ws.Event{Type: EventMessagePinned, AccountID: topic.AccountID, TopicID: topicID, MessageID: messageID})
	return nil
}

// DeleteTopic soft-deletes the topic. Deleting an already deleted topic is a no-op.
func (p *HubPlatform) DeleteTopic(ctx context.Context, topicID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	topic, err := db.GetTopic(ctx, p.pool, topicID)
	if IsNotFound(err) {
		// Either unknown or already deleted; MarkTopicDeleted tells them apart.
		return db.MarkTopicDeleted(ctx, p.pool, topicID)
	}
	if err != nil {
		return err
	}

	if err := db.MarkTopicDeleted(ctx, p.pool, topicID); err != nil {
		return err
	}

	p.hub.Broadcast(ws.Event{Type: EventTopicDeleted, AccountID: topic.AccountID, TopicID: topicID})
	return nil
}

func (p *HubPlatform) TopicExists(ctx context.Context, topicID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return db.TopicExists(ctx, p.pool, topicID)
}

func (p *HubPlatform) ListTopics(ctx context.Context, accountID string) ([]*models.Topic, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return db.ListTopics(ctx, p.pool, accountID)
}

func (p *HubPlatform) EditMessage(ctx context.Context, topicID, messageID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	topic, err := db.GetTopic(ctx, p.pool, topicID)
	if err != nil {
		return err
	}
	if err := db.EditTopicMessage(ctx, p.pool, topicID, messageID, text); err != nil {
		return err
	}

	p.hub.Broadcast(ws.Event{Type: EventMessageEdited, AccountID: topic.AccountID, TopicID: topicID, MessageID: messageID, Data: map[string]string{"text": text}})
	return nil
}
