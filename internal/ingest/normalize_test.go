package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/testutil"
)

func TestNormalize(t *testing.T) {
	date := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	raw := RawMessage{
		Folder: "INBOX",
		UID:    42,
		Flags:  []string{"\\Seen", "\\Answered"},
		Size:   512,
		Body: testutil.TestMessage{
			MessageID:   "<Reply-1@Example.com>",
			InReplyTo:   "<parent@example.com>",
			References:  "<root@example.com> <parent@example.com>",
			Subject:     "Re: Budget",
			From:        "Alice Doe <alice@example.com>",
			To:          "me@example.com, Bob <bob@example.com>",
			Cc:          "carol@example.com",
			DeliveredTo: "me+work@example.com",
			Date:        date,
			Body:        "Looks good.",
		}.Bytes(),
	}

	rec, env, err := Normalize("acct-1", raw)
	require.NoError(t, err)
	require.NotNil(t, env)

	assert.Equal(t, "reply-1@example.com", rec.Ref.Identity)
	assert.Equal(t, "acct-1", rec.Ref.AccountID)
	assert.Equal(t, uint32(42), rec.Ref.UID)
	assert.Equal(t, "\\Answered \\Seen", rec.Ref.Revision)
	assert.Equal(t, "parent@example.com", rec.InReplyTo)
	assert.Equal(t, []string{"root@example.com", "parent@example.com"}, rec.References)
	assert.Equal(t, "Re: Budget", rec.Subject)
	assert.Equal(t, "Alice Doe <alice@example.com>", rec.From)
	assert.Equal(t, []string{"me@example.com", "Bob <bob@example.com>"}, rec.To)
	assert.Equal(t, []string{"carol@example.com"}, rec.Cc)
	assert.Equal(t, []string{"me+work@example.com"}, rec.DeliveredTo)
	assert.True(t, rec.Date.Equal(date))
	assert.Equal(t, models.DirectionInbound, rec.Direction)
	assert.Contains(t, rec.BodyText, "Looks good.")
}

func TestNormalizeIdentity(t *testing.T) {
	internal := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		messageID string
		preset    string
		want      func(t *testing.T, identity string)
	}{
		{
			name:      "message id",
			messageID: "<abc@example.com>",
			want: func(t *testing.T, identity string) {
				assert.Equal(t, "abc@example.com", identity)
			},
		},
		{
			name: "missing message id",
			want: func(t *testing.T, identity string) {
				assert.Equal(t, models.Fingerprint("INBOX", 9, 100, internal), identity)
			},
		},
		{
			name:      "preset identity wins",
			messageID: "<abc@example.com>",
			preset:    "fp:preset",
			want: func(t *testing.T, identity string) {
				assert.Equal(t, "fp:preset", identity)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := RawMessage{
				Folder:       "INBOX",
				UID:          9,
				Size:         100,
				InternalDate: internal,
				Identity:     tt.preset,
				Body:         testutil.TestMessage{MessageID: tt.messageID, From: "a@example.com", To: "b@example.com", Subject: "x"}.Bytes(),
			}
			rec, _, err := Normalize("acct", raw)
			require.NoError(t, err)
			tt.want(t, rec.Ref.Identity)
		})
	}
}

func TestNormalizeMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"Message-ID: <multi@example.com>",
		"From: sender@example.com",
		"To: me@example.com",
		"Subject: Photos",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/related; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/html; charset=utf-8",
		"",
		`<p>Look</p><img src="cid:logo@example.com">`,
		"--inner",
		"Content-Type: image/png",
		"Content-ID: <logo@example.com>",
		"Content-Disposition: inline; filename=logo.png",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--inner--",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=report.pdf",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQK",
		"--outer--",
		"",
	}, "\r\n")

	rec, env, err := Normalize("acct", RawMessage{Folder: "INBOX", UID: 1, Body: []byte(raw)})
	require.NoError(t, err)

	assert.Contains(t, rec.BodyHTML, "cid:logo@example.com")
	require.Len(t, env.Attachments, 1)
	require.Len(t, env.Inlines, 1)

	require.Len(t, rec.Attachments, 2)
	assert.Equal(t, "report.pdf", rec.Attachments[0].Name)
	assert.False(t, rec.Attachments[0].Inline)
	assert.Equal(t, "logo.png", rec.Attachments[1].Name)
	assert.True(t, rec.Attachments[1].Inline)
}

func TestNormalizeLooseReferences(t *testing.T) {
	raw := strings.Join([]string{
		"Message-ID: <loose@example.com>",
		"References: root@example.com <Parent@Example.com> junk",
		"From: a@example.com",
		"To: b@example.com",
		"Subject: loose",
		"",
		"body",
	}, "\r\n")

	rec, _, err := Normalize("acct", RawMessage{Folder: "INBOX", UID: 1, Body: []byte(raw)})
	require.NoError(t, err)
	assert.Equal(t, []string{"root@example.com", "parent@example.com"}, rec.References)
}
