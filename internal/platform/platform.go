// Package platform is the messaging-platform side of the bridge: topics that
// mirror mail threads, and the posts inside them.
package platform

import (
	"context"
	"errors"

	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/models"
)

// ErrTopicNotFound is returned for unknown or deleted topics.
var ErrTopicNotFound = db.ErrTopicNotFound

// Event types pushed to subscribers.
const (
	EventTopicCreated  = "topic.created"
	EventMessagePosted = "message.posted"
	EventMessagePinned = "message.pinned"
	EventTopicDeleted  = "topic.deleted"
	EventMessageEdited = "message.edited"
)

// Post is one outgoing platform message: text, a card, or a file.
type Post struct {
	Kind        models.PostKind
	Text        string
	FileName    string
	ContentType string
	Data        []byte
}

// TextPost builds a plain text post.
func TextPost(text string) Post {
	return Post{Kind: models.PostKindText, Text: text}
}

// FilePost builds a file post.
func FilePost(name, contentType string, data []byte) Post {
	return Post{Kind: models.PostKindFile, FileName: name, ContentType: contentType, Data: data}
}

// Delivery is everything one inbound message turns into. Posts[0] is the
// text post; the rest are files.
type Delivery struct {
	Posts []Post
}

// Platform is the messaging-platform collaborator.
type Platform interface {
	CreateTopic(ctx context.Context, accountID, title string) (string, error)
	Post(ctx context.Context, topicID string, p Post) (string, error)
	Pin(ctx context.Context, topicID, messageID string) error
	DeleteTopic(ctx context.Context, topicID string) error
	TopicExists(ctx context.Context, topicID string) (bool, error)
	ListTopics(ctx context.Context, accountID string) ([]*models.Topic, error)
	EditMessage(ctx context.Context, topicID, messageID, text string) error
}

// IsNotFound reports whether err means the topic is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTopicNotFound)
}
