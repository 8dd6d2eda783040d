// Package ingest turns fetched mail into platform posts and thread records.
package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vbridge/internal/identity"
	"github.com/vdavid/vbridge/internal/models"
)

// RawMessage is one message as fetched from a folder.
type RawMessage struct {
	Folder       string
	UID          uint32
	Flags        []string
	Size         uint32
	InternalDate time.Time
	Body         []byte
	// Identity is filled in by the watcher, which also sees duplicate
	// Message-IDs within a poll. Normalize computes it when empty.
	Identity string
}

// Revision is the flag set in a stable order.
func (r RawMessage) Revision() string {
	flags := append([]string(nil), r.Flags...)
	sort.Strings(flags)
	return strings.Join(flags, " ")
}

// Normalize parses raw into an immutable record. The parsed envelope is
// returned for formatting.
func Normalize(accountID string, raw RawMessage) (*models.MessageRecord, *enmime.Envelope, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse message body: %w", err)
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw.Body)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse message header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	ident := raw.Identity
	if ident == "" {
		ident = models.MessageIdentity(h.Get("Message-Id"), raw.Folder, raw.UID, raw.Size, raw.InternalDate)
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	date, err := h.Date()
	if err != nil || date.IsZero() {
		date = raw.InternalDate
	}

	var from string
	if list := addresses(h, "From"); len(list) > 0 {
		from = list[0]
	}

	rec := &models.MessageRecord{
		Ref: models.RemoteMessageRef{
			AccountID: accountID,
			Folder:    raw.Folder,
			UID:       raw.UID,
			Identity:  ident,
			Revision:  raw.Revision(),
		},
		Direction:   models.DirectionInbound,
		Subject:     strings.TrimSpace(subject),
		From:        from,
		To:          addresses(h, "To"),
		Cc:          addresses(h, "Cc"),
		Bcc:         addresses(h, "Bcc"),
		Date:        date,
		DeliveredTo: identity.DeliveredTo(h),
		BodyText:    env.Text,
		BodyHTML:    env.HTML,
	}

	if ids := messageIDs(h, "In-Reply-To"); len(ids) > 0 {
		rec.InReplyTo = ids[0]
	}
	rec.References = messageIDs(h, "References")

	for _, part := range env.Attachments {
		rec.Attachments = append(rec.Attachments, attachmentMeta(part, false))
	}
	for _, part := range env.Inlines {
		rec.Attachments = append(rec.Attachments, attachmentMeta(part, true))
	}

	return rec, env, nil
}

func attachmentMeta(part *enmime.Part, inline bool) models.AttachmentMeta {
	return models.AttachmentMeta{
		Name:        part.FileName,
		ContentType: part.ContentType,
		ContentID:   part.ContentID,
		Size:        int64(len(part.Content)),
		Inline:      inline,
	}
}

// addresses renders an address header as "Name <addr>" or "addr" strings.
// Headers that do not parse are split on commas as written.
func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		var out []string
		for _, part := range strings.Split(h.Get(key), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}

	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			out = append(out, a.Address)
		}
	}
	return out
}

// messageIDs reads a msg-id list, falling back to whitespace-separated tokens
// for headers that are not strictly formed.
func messageIDs(h mail.Header, key string) []string {
	ids, err := h.MsgIDList(key)
	if err != nil {
		ids = strings.Fields(h.Get(key))
	}

	var out []string
	seen := make(map[string]bool)
	for _, id := range ids {
		id = models.NormalizeMessageID(id)
		if !models.UsableMessageID(id) || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
