// Package platformtest provides an in-memory Platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/platform"
)

// Fake records every call. The *Err hooks, when set, let a test fail
// individual operations.
type Fake struct {
	mu sync.Mutex

	topics   map[string]*models.Topic
	deleted  map[string]bool
	messages map[string][]*models.TopicMessage
	seq      int

	CreateErr func(accountID, title string) error
	PostErr   func(topicID string, p platform.Post) error
	ExistsErr func(topicID string) error
	// OnExists runs on every TopicExists call, before the answer is computed.
	OnExists func(topicID string)

	CreateCalls int
	ExistsCalls int
}

var _ platform.Platform = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		topics:   make(map[string]*models.Topic),
		deleted:  make(map[string]bool),
		messages: make(map[string][]*models.TopicMessage),
	}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) CreateTopic(_ context.Context, accountID, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if f.CreateErr != nil {
		if err := f.CreateErr(accountID, title); err != nil {
			return "", err
		}
	}
	id := f.nextID("topic")
	f.topics[id] = &models.Topic{ID: id, AccountID: accountID, Title: title, CreatedAt: time.Now()}
	return id, nil
}

func (f *Fake) Post(_ context.Context, topicID string, p platform.Post) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.topics[topicID]; !ok || f.deleted[topicID] {
		return "", platform.ErrTopicNotFound
	}
	if f.PostErr != nil {
		if err := f.PostErr(topicID, p); err != nil {
			return "", err
		}
	}
	msg := &models.TopicMessage{
		ID:          f.nextID("msg"),
		TopicID:     topicID,
		Kind:        p.Kind,
		Body:        p.Text,
		FileName:    p.FileName,
		ContentType: p.ContentType,
		Data:        p.Data,
		Size:        len(p.Data),
		CreatedAt:   time.Now(),
	}
	f.messages[topicID] = append(f.messages[topicID], msg)
	return msg.ID, nil
}

func (f *Fake) Pin(_ context.Context, topicID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.topics[topicID]
	if !ok || f.deleted[topicID] {
		return platform.ErrTopicNotFound
	}
	t.PinnedMessageID = messageID
	return nil
}

func (f *Fake) DeleteTopic(_ context.Context, topicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.topics[topicID]; !ok {
		return platform.ErrTopicNotFound
	}
	f.deleted[topicID] = true
	return nil
}

func (f *Fake) TopicExists(_ context.Context, topicID string) (bool, error) {
	f.mu.Lock()
	f.ExistsCalls++
	hook := f.OnExists
	errHook := f.ExistsErr
	f.mu.Unlock()

	if hook != nil {
		hook(topicID)
	}
	if errHook != nil {
		if err := errHook(topicID); err != nil {
			return false, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.topics[topicID]
	return ok && !f.deleted[topicID], nil
}

func (f *Fake) ListTopics(_ context.Context, accountID string) ([]*models.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.Topic
	for id, t := range f.topics {
		if t.AccountID == accountID && !f.deleted[id] {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) EditMessage(_ context.Context, topicID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range f.messages[topicID] {
		if m.ID == messageID {
			m.Body = text
			now := time.Now()
			m.EditedAt = &now
			return nil
		}
	}
	return platform.ErrTopicNotFound
}

// AddTopic registers an existing topic, e.g. one created by a test fixture.
func (f *Fake) AddTopic(accountID, topicID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topicID] = &models.Topic{ID: topicID, AccountID: accountID, CreatedAt: time.Now()}
	delete(f.deleted, topicID)
}

// Delete marks a topic deleted as if a user removed it.
func (f *Fake) Delete(topicID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[topicID] = true
}

// Restore undoes Delete.
func (f *Fake) Restore(topicID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deleted, topicID)
}

// Topic returns a copy of the topic, or nil.
func (f *Fake) Topic(topicID string) *models.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[topicID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Messages returns the posts of a topic in order.
func (f *Fake) Messages(topicID string) []*models.TopicMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.TopicMessage(nil), f.messages[topicID]...)
}

// Deleted reports whether DeleteTopic or Delete was called for the topic.
func (f *Fake) Deleted(topicID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[topicID]
}

// TopicCount counts topics ever created, deleted or not.
func (f *Fake) TopicCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}
