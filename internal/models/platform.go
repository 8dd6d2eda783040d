package models

import "time"

// Topic is a conversation topic on the messaging platform.
type Topic struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	Title           string    `json:"title"`
	PinnedMessageID string    `json:"pinned_message_id,omitempty"`
	ThreadID        string    `json:"thread_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type PostKind string

const (
	PostKindText PostKind = "text"
	PostKindFile PostKind = "file"
	PostKindCard PostKind = "card"
)

// TopicMessage is one post inside a topic.
type TopicMessage struct {
	ID          string     `json:"id"`
	TopicID     string     `json:"topic_id"`
	Kind        PostKind   `json:"kind"`
	Body        string     `json:"body,omitempty"`
	FileName    string     `json:"file_name,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Data        []byte     `json:"-"`
	Size        int        `json:"size,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}
