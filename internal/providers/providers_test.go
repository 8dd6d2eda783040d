package providers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedTable(t *testing.T) {
	table := Default()

	tests := []struct {
		key        string
		sent       string
		trash      string
		idle       bool
		thread     bool
		wantLookup string
	}{
		{"gmail", "[Gmail]/Sent Mail", "[Gmail]/Trash", true, false, "gmail"},
		{"Outlook", "Sent Items", "Deleted Items", true, false, "outlook"},
		{"icloud", "Sent Messages", "Deleted Messages", true, false, "icloud"},
		{"unknown-provider", "Sent", "Trash", true, true, "generic"},
		{"", "Sent", "Trash", true, true, "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			r := table.Resolver(tt.key)
			assert.Equal(t, tt.sent, r.Sent())
			assert.Equal(t, tt.trash, r.Trash())
			assert.Equal(t, tt.idle, r.SupportsIdle())
			assert.Equal(t, tt.thread, r.SupportsThread())
			assert.Equal(t, tt.wantLookup, table.Lookup(tt.key).Key)
		})
	}
}

func TestDetect(t *testing.T) {
	table := Default()

	assert.Equal(t, "gmail", table.Detect("someone@GMAIL.com"))
	assert.Equal(t, "outlook", table.Detect("someone@hotmail.com"))
	assert.Equal(t, "generic", table.Detect("someone@example.org"))
	assert.Equal(t, "generic", table.Detect("not-an-address"))
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	data := []byte(`
providers:
  - key: fastmail
    domains: [fastmail.com]
    folders: {sent: Sent, trash: Trash}
    idle: true
    thread: true
  - key: gmail
    folders: {sent: Sent Mail}
    idle: false
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	table, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fastmail", table.Detect("me@fastmail.com"))
	assert.True(t, table.Resolver("fastmail").SupportsThread())
	assert.Equal(t, "Sent Mail", table.Resolver("gmail").Sent())
	assert.False(t, table.Resolver("gmail").SupportsIdle())
	assert.Equal(t, "Deleted Items", table.Resolver("outlook").Trash())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
