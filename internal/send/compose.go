package send

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/models"
)

// NewMessageID returns a fresh "<uuid@domain>" id for a sender address.
func NewMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "<> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Compose builds the RFC 5322 message for a draft. Bcc never appears in the
// headers; the envelope decides who receives a copy.
func Compose(d *models.Draft, displayName string, body Rendered, messageID string, date time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, apperr.Validation("from", d.From, "not a valid address")
	}
	if from.Name == "" {
		from.Name = displayName
	}

	b := enmime.Builder().
		From(from.Name, from.Address).
		Subject(d.Subject).
		Date(date).
		Header("Message-ID", messageID).
		Text([]byte(body.Text)).
		HTML([]byte(body.HTML))

	for _, field := range []struct {
		name string
		list []string
		add  func(enmime.MailBuilder, string, string) enmime.MailBuilder
	}{
		{"to", d.To, enmime.MailBuilder.To},
		{"cc", d.Cc, enmime.MailBuilder.CC},
		{"bcc", append(append([]string(nil), d.Bcc...), d.PendingBcc...), enmime.MailBuilder.BCC},
	} {
		if len(field.list) == 0 {
			continue
		}
		addrs, err := mail.ParseAddressList(strings.Join(field.list, ", "))
		if err != nil {
			return nil, apperr.Validation(field.name, strings.Join(field.list, ", "), "not a valid address list")
		}
		for _, a := range addrs {
			b = field.add(b, a.Name, a.Address)
		}
	}

	if d.InReplyTo != "" {
		b = b.Header("In-Reply-To", angle(d.InReplyTo))
	}
	if len(d.References) > 0 {
		refs := make([]string, 0, len(d.References))
		for _, r := range d.References {
			refs = append(refs, angle(r))
		}
		b = b.Header("References", strings.Join(refs, " "))
	}

	for _, a := range d.Attachments {
		b = b.AddAttachment(a.Data, a.ContentType, a.Name)
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func angle(id string) string {
	return "<" + models.NormalizeMessageID(id) + ">"
}
