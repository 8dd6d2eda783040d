package mapper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/testutil"
)

// countingCreator hands out topic-1, topic-2, ...
type countingCreator struct {
	calls atomic.Int32
}

func (c *countingCreator) CreateTopic(_ context.Context, _, _ string) (string, error) {
	n := c.calls.Add(1)
	return fmt.Sprintf("topic-%d", n), nil
}

func newRecord(accountID, identity string, uid uint32, date time.Time, ancestors ...string) *models.MessageRecord {
	rec := &models.MessageRecord{
		Ref:     models.RemoteMessageRef{AccountID: accountID, Folder: "INBOX", UID: uid, Identity: identity},
		Subject: "Subject " + identity,
		From:    "sender@example.com",
		Date:    date,
	}
	if len(ancestors) > 0 {
		rec.InReplyTo = ancestors[len(ancestors)-1]
		rec.References = ancestors
	}
	return rec
}

func setup(t *testing.T) (*Mapper, *pgxpool.Pool, string) {
	t.Helper()
	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)
	accountID := testutil.InsertAccount(t, pool, "mapper@example.com")
	return New(pool, zerolog.Nop()), pool, accountID
}

// ingest resolves and appends, the way the pipeline does.
func ingest(t *testing.T, m *Mapper, creator TopicCreator, rec *models.MessageRecord) string {
	t.Helper()
	ctx := context.Background()
	threadID, _, err := m.ResolveOrCreateThread(ctx, rec.Ref.AccountID, rec, creator)
	require.NoError(t, err)
	inserted, err := m.AppendToThread(ctx, threadID, rec)
	require.NoError(t, err)
	require.True(t, inserted)
	return threadID
}

func TestResolveOrCreateThread(t *testing.T) {
	m, _, accountID := setup(t)
	ctx := context.Background()
	creator := &countingCreator{}
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	root := newRecord(accountID, "root@example.com", 1, base)
	threadID, created, err := m.ResolveOrCreateThread(ctx, accountID, root, creator)
	require.NoError(t, err)
	assert.True(t, created)
	assert.EqualValues(t, 1, creator.calls.Load())

	t.Run("same root before append reuses the thread", func(t *testing.T) {
		again, created, err := m.ResolveOrCreateThread(ctx, accountID, root, creator)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, threadID, again)
		assert.EqualValues(t, 1, creator.calls.Load())
	})

	_, err = m.AppendToThread(ctx, threadID, root)
	require.NoError(t, err)

	t.Run("reply joins the thread", func(t *testing.T) {
		reply := newRecord(accountID, "reply@example.com", 2, base.Add(time.Hour), "root@example.com")
		got, created, err := m.ResolveOrCreateThread(ctx, accountID, reply, creator)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, threadID, got)
	})

	t.Run("reply to an unseen parent roots at References[0]", func(t *testing.T) {
		orphan := newRecord(accountID, "child@example.com", 3, base, "lost-root@example.com", "lost-parent@example.com")
		orphanThread := ingest(t, m, creator, orphan)

		thread, err := m.Thread(ctx, orphanThread)
		require.NoError(t, err)
		assert.Equal(t, "lost-root@example.com", thread.RootIdentity)

		// The root arriving later lands in the same thread.
		lateRoot := newRecord(accountID, "lost-root@example.com", 4, base.Add(-time.Hour))
		got, created, err := m.ResolveOrCreateThread(ctx, accountID, lateRoot, creator)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, orphanThread, got)
	})
}

func TestResolvePicksLatestMatchingAncestor(t *testing.T) {
	m, _, accountID := setup(t)
	ctx := context.Background()
	creator := &countingCreator{}
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	older := ingest(t, m, creator, newRecord(accountID, "a@example.com", 1, base))
	newer := ingest(t, m, creator, newRecord(accountID, "b@example.com", 2, base.Add(2*time.Hour)))
	require.NotEqual(t, older, newer)

	merged := newRecord(accountID, "c@example.com", 3, base.Add(3*time.Hour), "a@example.com", "b@example.com")
	got, created, err := m.ResolveOrCreateThread(ctx, accountID, merged, creator)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, newer, got)

	t.Run("tie goes to the most recently active thread", func(t *testing.T) {
		same := base.Add(5 * time.Hour)
		first := ingest(t, m, creator, newRecord(accountID, "x@example.com", 10, same))
		second := ingest(t, m, creator, newRecord(accountID, "y@example.com", 11, same))
		// Make the first thread more recently active with an unrelated message.
		_, err := m.AppendToThread(ctx, first, newRecord(accountID, "x2@example.com", 12, same.Add(time.Hour)))
		require.NoError(t, err)

		tie := newRecord(accountID, "z@example.com", 13, same.Add(2*time.Hour), "x@example.com", "y@example.com")
		got, _, err := m.ResolveOrCreateThread(ctx, accountID, tie, creator)
		require.NoError(t, err)
		assert.Equal(t, first, got)
		assert.NotEqual(t, second, got)
	})
}

func TestResolveCreatesTopicOncePerRoot(t *testing.T) {
	m, _, accountID := setup(t)
	ctx := context.Background()
	creator := &countingCreator{}

	const workers = 8
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := newRecord(accountID, fmt.Sprintf("part-%d@example.com", i), uint32(i+1), time.Now(), "shared-root@example.com")
			threadID, _, err := m.ResolveOrCreateThread(ctx, accountID, rec, creator)
			assert.NoError(t, err)
			results[i] = threadID
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, creator.calls.Load())
	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
}

func TestResolvePropagatesCreatorFailure(t *testing.T) {
	m, _, accountID := setup(t)
	failing := TopicCreatorFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("platform down")
	})

	_, _, err := m.ResolveOrCreateThread(context.Background(), accountID, newRecord(accountID, "r@example.com", 1, time.Now()), failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform down")

	threads, err := m.Threads(context.Background())
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestAppendToThread(t *testing.T) {
	m, _, accountID := setup(t)
	ctx := context.Background()
	creator := &countingCreator{}
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	threadID := ingest(t, m, creator, newRecord(accountID, "root@example.com", 1, base))

	later := newRecord(accountID, "later@example.com", 2, base.Add(time.Hour), "root@example.com")
	inserted, err := m.AppendToThread(ctx, threadID, later)
	require.NoError(t, err)
	assert.True(t, inserted)

	thread, err := m.Thread(ctx, threadID)
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(time.Hour), thread.LastMessageAt, time.Second)

	t.Run("duplicate identity is not inserted", func(t *testing.T) {
		dup := newRecord(accountID, "later@example.com", 7, base.Add(2*time.Hour))
		inserted, err := m.AppendToThread(ctx, threadID, dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		known, err := m.Known(ctx, accountID, "later@example.com")
		require.NoError(t, err)
		assert.True(t, known)
	})

	t.Run("append to a deleted thread is a conflict", func(t *testing.T) {
		require.NoError(t, m.DeleteThread(ctx, threadID))

		_, err := m.AppendToThread(ctx, threadID, newRecord(accountID, "late@example.com", 9, base))
		var conflict *apperr.ReconciliationConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, threadID, conflict.ThreadID)
	})
}

func TestRetireRefAndMappedUIDs(t *testing.T) {
	m, _, accountID := setup(t)
	ctx := context.Background()
	creator := &countingCreator{}

	threadID := ingest(t, m, creator, newRecord(accountID, "one@example.com", 5, time.Now()))
	ingest(t, m, creator, newRecord(accountID, "two@example.com", 6, time.Now(), "one@example.com"))

	refs, err := m.MappedUIDs(ctx, accountID, "inbox")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, uint32(5), refs[0].UID)

	got, remaining, err := m.RetireRef(ctx, models.RemoteMessageRef{AccountID: accountID, Folder: "INBOX", UID: 6})
	require.NoError(t, err)
	assert.Equal(t, threadID, got)
	assert.Equal(t, 1, remaining)

	_, remaining, err = m.RetireRef(ctx, models.RemoteMessageRef{AccountID: accountID, Folder: "INBOX", UID: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, _, err = m.RetireRef(ctx, models.RemoteMessageRef{AccountID: accountID, Folder: "INBOX", UID: 5})
	assert.ErrorIs(t, err, db.ErrMessageNotFound)
}

func TestRecordOutbound(t *testing.T) {
	m, _, accountID := setup(t)
	ctx := context.Background()

	sent := &models.MessageRecord{
		Ref:     models.RemoteMessageRef{Identity: "uuid-1@example.com"},
		Subject: "Hello",
		From:    "mapper@example.com",
		To:      []string{"friend@example.com"},
		Date:    time.Now(),
	}
	threadID, err := m.RecordOutbound(ctx, accountID, "fresh-topic", sent)
	require.NoError(t, err)

	found, ok, err := m.LookupThread(ctx, "fresh-topic")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, threadID, found)

	latest, err := m.LatestMessage(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOutbound, latest.Direction)

	// Outbound records never show up as folder UIDs.
	refs, err := m.MappedUIDs(ctx, accountID, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, refs)

	t.Run("reply from the other side threads onto it", func(t *testing.T) {
		reply := newRecord(accountID, "answer@example.com", 1, time.Now(), "uuid-1@example.com")
		got, created, err := m.ResolveOrCreateThread(ctx, accountID, reply, &countingCreator{})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, threadID, got)
	})
}

func TestLookupThreadUnknownTopic(t *testing.T) {
	m, _, _ := setup(t)
	_, ok, err := m.LookupThread(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTopicTitle(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"empty", "", "(no subject)"},
		{"whitespace", "  \t ", "(no subject)"},
		{"collapses spaces", "Re:  hello\n world", "Re: hello world"},
		{"long", strings.Repeat("é", 200), strings.Repeat("é", 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicTitle(tt.subject))
		})
	}
}
