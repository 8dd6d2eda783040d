package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountFolders(t *testing.T) {
	tests := []struct {
		name    string
		folders []string
		want    []string
	}{
		{"defaults to INBOX", nil, []string{"INBOX"}},
		{"dedupes case-insensitively", []string{"INBOX", "inbox", " Work ", "work"}, []string{"INBOX", "Work"}},
		{"drops blanks", []string{"", "  "}, []string{"INBOX"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Account{MonitoredFolders: tt.folders}
			assert.Equal(t, tt.want, a.Folders())
		})
	}
}

func TestAccountIdentities(t *testing.T) {
	a := &Account{Email: "Me@Example.com", Aliases: []string{"me@example.com", "alias@example.com", ""}}
	assert.Equal(t, []string{"me@example.com", "alias@example.com"}, a.Identities())
}

func TestSignaturePolicyRoundTrip(t *testing.T) {
	for _, p := range []SignaturePolicy{DefaultSignature(), NoSignature(), ExplicitSignature("sig1")} {
		data, err := json.Marshal(p)
		require.NoError(t, err)

		var back SignaturePolicy
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, p, back)
	}

	_, err := ParseSignaturePolicy("explicit:")
	assert.Error(t, err)
	_, err = ParseSignaturePolicy("fancy")
	assert.Error(t, err)
}

func TestDraftStateAndMissingField(t *testing.T) {
	d := &Draft{}
	assert.Equal(t, DraftStateCollecting, d.State())
	assert.Equal(t, "from", d.MissingField())

	d.From = "me@example.com"
	assert.Equal(t, "to", d.MissingField())

	d.To = []string{"a@x.com"}
	assert.Equal(t, "subject", d.MissingField())

	d.Subject = "Hi"
	assert.Equal(t, "", d.MissingField())
	assert.Equal(t, DraftStateReady, d.State())

	var none *Draft
	assert.Equal(t, DraftStateEmpty, none.State())
}

func TestMessageRecordAncestors(t *testing.T) {
	m := &MessageRecord{
		Ref:        RemoteMessageRef{Identity: "c@x"},
		InReplyTo:  "b@x",
		References: []string{"a@x", "b@x", "c@x", ""},
	}
	assert.Equal(t, []string{"b@x", "a@x"}, m.Ancestors())
}

func TestMessageIdentity(t *testing.T) {
	date := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	fp := Fingerprint("INBOX", 7, 1234, date)

	tests := []struct {
		name string
		id   string
		want string
	}{
		{"normalized", " <ABC@Example.COM> ", "abc@example.com"},
		{"missing", "", fp},
		{"no at sign", "<local-only>", fp},
		{"whitespace inside", "<a b@example.com>", fp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MessageIdentity(tt.id, "INBOX", 7, 1234, date))
		})
	}

	assert.Equal(t, fp, Fingerprint("inbox", 7, 1234, date), "folder case must not change the fingerprint")
	assert.NotEqual(t, fp, Fingerprint("INBOX", 8, 1234, date))
	assert.True(t, len(fp) > len(FingerprintPrefix))
}
