package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/testutil"
)

func TestFolderValidity(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID := testutil.InsertAccount(t, pool, "folders@example.com")

	_, ok, err := GetFolderValidity(ctx, pool, accountID, "INBOX")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetFolderValidity(ctx, pool, accountID, "INBOX", 7))
	require.NoError(t, SetFolderValidity(ctx, pool, accountID, "inbox", 8))

	v, ok, err := GetFolderValidity(ctx, pool, accountID, "Inbox")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(8), v, "folder names compare case-insensitively")
}

func TestRemapFolderUIDs(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID := testutil.InsertAccount(t, pool, "remap@example.com")
	thread := insertTestThread(t, pool, accountID, "topic-remap", "kept@example.com", time.Now())

	for _, ref := range []models.RemoteMessageRef{
		{AccountID: accountID, Folder: "INBOX", UID: 10, Identity: "kept@example.com"},
		{AccountID: accountID, Folder: "INBOX", UID: 11, Identity: "lost@example.com"},
		{AccountID: accountID, Folder: "Archive", UID: 10, Identity: "elsewhere@example.com"},
	} {
		_, err := InsertMessageRecord(ctx, pool, &models.MessageRecord{ThreadID: thread.ID, Ref: ref})
		require.NoError(t, err)
	}

	matched, err := RemapFolderUIDs(ctx, pool, accountID, "inbox", map[string]uint32{
		"kept@example.com":  3,
		"fresh@example.com": 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	inbox, err := ListMappedUIDs(ctx, pool, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []MappedRef{{UID: 3, Identity: "kept@example.com", ThreadID: thread.ID}}, inbox,
		"an unmatched record leaves the mapped list instead of keeping a stale uid")

	archive, err := ListMappedUIDs(ctx, pool, accountID, "Archive")
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, uint32(10), archive[0].UID, "other folders are untouched")

	known, err := MessageExists(ctx, pool, accountID, "lost@example.com")
	require.NoError(t, err)
	assert.True(t, known, "the record itself survives")
}
