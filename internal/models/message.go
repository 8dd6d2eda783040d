package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// RemoteMessageRef identifies one message on the mail server.
// Identity is the normalized Message-ID, or a "fp:" fingerprint when the
// header is missing or unusable. Revision carries flags and is never part of
// identity.
type RemoteMessageRef struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
	UID       uint32 `json:"uid"`
	Identity  string `json:"identity"`
	Revision  string `json:"revision,omitempty"`
}

// Key is a log-friendly unique key for the ref.
func (r RemoteMessageRef) Key() string {
	return fmt.Sprintf("%s:%s:%d", r.AccountID, strings.ToLower(r.Folder), r.UID)
}

// FingerprintPrefix marks identities derived from message metadata.
const FingerprintPrefix = "fp:"

// NormalizeMessageID lower-cases a Message-ID and strips angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

// UsableMessageID reports whether a normalized Message-ID can serve as identity.
func UsableMessageID(id string) bool {
	return id != "" && strings.Contains(id, "@") && !strings.ContainsAny(id, " \t\r\n")
}

// Fingerprint derives an identity from folder, UID, size and date.
func Fingerprint(folder string, uid, size uint32, date time.Time) string {
	var ts string
	if !date.IsZero() {
		ts = date.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", strings.ToLower(folder), uid, size, ts)))
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// MessageIdentity returns the normalized Message-ID when usable, else the fingerprint.
func MessageIdentity(messageID, folder string, uid, size uint32, date time.Time) string {
	if id := NormalizeMessageID(messageID); UsableMessageID(id) {
		return id
	}
	return Fingerprint(folder, uid, size, date)
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Thread maps a family of related messages to exactly one conversation topic.
type Thread struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	TopicID       string    `json:"topic_id"`
	RootIdentity  string    `json:"root_identity"`
	Subject       string    `json:"subject"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

type AttachmentMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline"`
}

type Link struct {
	Caption string `json:"caption"`
	URL     string `json:"link"`
}

// AnalysisResult is the structured summary produced by the analysis collaborator.
type AnalysisResult struct {
	Summary string `json:"summary"`
	Label   string `json:"label,omitempty"`
	Links   []Link `json:"urls,omitempty"`
	Model   string `json:"model,omitempty"`
}

// MessageRecord is the normalized, immutable view of one ingested or sent message.
type MessageRecord struct {
	ID          int64            `json:"id"`
	ThreadID    string           `json:"thread_id"`
	Ref         RemoteMessageRef `json:"ref"`
	Direction   Direction        `json:"direction"`
	Subject     string           `json:"subject"`
	From        string           `json:"from"`
	To          []string         `json:"to"`
	Cc          []string         `json:"cc"`
	Bcc         []string         `json:"bcc"`
	Date        time.Time        `json:"date"`
	InReplyTo   string           `json:"in_reply_to,omitempty"`
	References  []string         `json:"references,omitempty"`
	DeliveredTo []string         `json:"delivered_to,omitempty"`
	BodyText    string           `json:"body_text"`
	BodyHTML    string           `json:"body_html,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	Analysis    *AnalysisResult  `json:"analysis,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Ancestors returns In-Reply-To followed by References, without duplicates.
func (m *MessageRecord) Ancestors() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range append([]string{m.InReplyTo}, m.References...) {
		if id == "" || id == m.Ref.Identity {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
