package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type DraftKind string

const (
	DraftKindNew     DraftKind = "new"
	DraftKindReply   DraftKind = "reply"
	DraftKindForward DraftKind = "forward"
)

// ParseDraftKind accepts new, reply or forward.
func ParseDraftKind(s string) (DraftKind, error) {
	switch k := DraftKind(strings.ToLower(strings.TrimSpace(s))); k {
	case DraftKindNew, DraftKindReply, DraftKindForward:
		return k, nil
	default:
		return "", fmt.Errorf("unknown draft kind %q", s)
	}
}

type DraftState string

const (
	DraftStateEmpty      DraftState = "empty"
	DraftStateCollecting DraftState = "collecting"
	DraftStateReady      DraftState = "ready"
	DraftStateSent       DraftState = "sent"
	DraftStateCancelled  DraftState = "cancelled"
)

type SignatureMode string

const (
	SignatureExplicit SignatureMode = "explicit"
	SignatureDefault  SignatureMode = "default"
	SignatureNone     SignatureMode = "none"
)

// SignaturePolicy selects the signature appended on send.
type SignaturePolicy struct {
	Mode SignatureMode
	ID   string
}

func DefaultSignature() SignaturePolicy { return SignaturePolicy{Mode: SignatureDefault} }
func NoSignature() SignaturePolicy      { return SignaturePolicy{Mode: SignatureNone} }
func ExplicitSignature(id string) SignaturePolicy {
	return SignaturePolicy{Mode: SignatureExplicit, ID: id}
}

// String renders the policy as "default", "none" or "explicit:<id>".
func (p SignaturePolicy) String() string {
	switch p.Mode {
	case SignatureExplicit:
		return "explicit:" + p.ID
	case SignatureNone:
		return "none"
	default:
		return "default"
	}
}

// ParseSignaturePolicy is the inverse of String.
func ParseSignaturePolicy(s string) (SignaturePolicy, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "default":
		return DefaultSignature(), nil
	case s == "none":
		return NoSignature(), nil
	case strings.HasPrefix(s, "explicit:"):
		id := strings.TrimSpace(strings.TrimPrefix(s, "explicit:"))
		if id == "" {
			return SignaturePolicy{}, fmt.Errorf("explicit signature policy needs an id")
		}
		return ExplicitSignature(id), nil
	default:
		return SignaturePolicy{}, fmt.Errorf("unknown signature policy %q", s)
	}
}

func (p SignaturePolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *SignaturePolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSignaturePolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// SignatureItem is one named signature in markdown.
type SignatureItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Markdown string `json:"markdown"`
}

// SignatureSet is the per-account signature list with its default.
type SignatureSet struct {
	Version int             `json:"version"`
	Default string          `json:"default"`
	Items   []SignatureItem `json:"items"`
}

type DraftAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// Draft is an in-progress outgoing message bound to one topic.
type Draft struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"account_id"`
	TopicID      string            `json:"topic_id"`
	Kind         DraftKind         `json:"kind"`
	ThreadID     string            `json:"thread_id,omitempty"`
	From         string            `json:"from"`
	To           []string          `json:"to"`
	Cc           []string          `json:"cc"`
	Bcc          []string          `json:"bcc"`
	Subject      string            `json:"subject"`
	InReplyTo    string            `json:"in_reply_to,omitempty"`
	References   []string          `json:"references,omitempty"`
	BodyMarkdown string            `json:"body_markdown"`
	Attachments  []DraftAttachment `json:"attachments"`
	Signature    SignaturePolicy   `json:"signature"`
	PendingBcc   []string          `json:"pending_bcc,omitempty"`
	// SentMessageID and SentAt are set once part of the draft went out, so a
	// retry of PendingBcc repeats the original message.
	SentMessageID string    `json:"sent_message_id,omitempty"`
	SentAt        time.Time `json:"sent_at,omitzero"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MissingField names the first field that blocks sending, or "" when the
// draft is minimally valid.
func (d *Draft) MissingField() string {
	switch {
	case strings.TrimSpace(d.From) == "":
		return "from"
	case len(d.To) == 0 && len(d.Cc) == 0 && len(d.Bcc) == 0 && len(d.PendingBcc) == 0:
		return "to"
	case strings.TrimSpace(d.Subject) == "":
		return "subject"
	default:
		return ""
	}
}

// State is derived: a persisted draft is Collecting until From, To and Subject are set.
func (d *Draft) State() DraftState {
	if d == nil {
		return DraftStateEmpty
	}
	if strings.TrimSpace(d.From) != "" && len(d.To) > 0 && strings.TrimSpace(d.Subject) != "" {
		return DraftStateReady
	}
	return DraftStateCollecting
}
