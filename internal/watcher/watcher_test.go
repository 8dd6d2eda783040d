package watcher

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vbridge/internal/config"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/imap"
	"github.com/vdavid/vbridge/internal/ingest"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/providers"
	"github.com/vdavid/vbridge/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	// fail makes Handle return an error for matching events.
	fail     func(Event) bool
	noMark   bool
	panicOne atomic.Bool
}

func (s *recordingSink) Handle(_ context.Context, _ *models.Account, ev Event) (bool, error) {
	if s.panicOne.CompareAndSwap(true, false) {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.fail != nil && s.fail(ev) {
		return false, errors.New("platform unavailable")
	}
	return !s.noMark, nil
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) Arrivals(folder string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Kind == Arrival && ev.Ref.Folder == folder {
			out = append(out, ev)
		}
	}
	return out
}

type fakeIndex struct {
	mu       sync.Mutex
	known    map[string]bool
	mapped   map[string][]db.MappedRef
	validity map[string]uint32
}

func (f *fakeIndex) Known(_ context.Context, _ string, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[identity], nil
}

func (f *fakeIndex) MappedUIDs(_ context.Context, _ string, folder string) ([]db.MappedRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.mapped[folder]), nil
}

func (f *fakeIndex) FolderValidity(_ context.Context, _ string, folder string) (uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.validity[folder]
	return v, ok, nil
}

func (f *fakeIndex) SetFolderValidity(_ context.Context, _ string, folder string, validity uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validity == nil {
		f.validity = make(map[string]uint32)
	}
	f.validity[folder] = validity
	return nil
}

func (f *fakeIndex) ResyncFolder(_ context.Context, _ string, folder string, uids map[string]uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []db.MappedRef
	for _, ref := range f.mapped[folder] {
		if uid, ok := uids[ref.Identity]; ok {
			ref.UID = uid
			kept = append(kept, ref)
		}
	}
	f.mapped[folder] = kept
	return len(kept), nil
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) Dial(context.Context, imap.Credentials) (imap.Transport, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

func testAccount(t *testing.T, server *testutil.TestIMAPServer, folders ...string) *models.Account {
	t.Helper()

	host, portStr, err := net.SplitHostPort(server.Address)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	sealed, err := testutil.GetTestEncryptor(t).Encrypt(server.Password())
	require.NoError(t, err)

	return &models.Account{
		ID:                    "acct-1",
		Email:                 "me@example.com",
		Provider:              providers.GenericKey,
		IMAPHost:              host,
		IMAPPort:              port,
		IMAPUsername:          server.Username(),
		EncryptedIMAPPassword: sealed,
		MonitoredFolders:      folders,
	}
}

func testConfig(mode config.ReceiveMode) config.ReceiveConfig {
	return config.ReceiveConfig{
		Mode:                mode,
		PollingInterval:     50 * time.Millisecond,
		IdleTimeout:         time.Second,
		IdleFallbackPoll:    50 * time.Millisecond,
		ReconnectBackoff:    10 * time.Millisecond,
		ReconnectBackoffMax: 50 * time.Millisecond,
		DialTimeout:         5 * time.Second,
		IngestTimeout:       5 * time.Second,
	}
}

type scanFixture struct {
	server  *testutil.TestIMAPServer
	account *models.Account
	sink    *recordingSink
	index   *fakeIndex
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	server := testutil.NewTestIMAPServer(t)
	return &scanFixture{
		server:  server,
		account: testAccount(t, server),
		sink:    &recordingSink{},
		index:   &fakeIndex{known: map[string]bool{}, mapped: map[string][]db.MappedRef{}},
	}
}

func (f *scanFixture) scan(t *testing.T, folder string) {
	t.Helper()

	w := New(f.account, folder, imap.NetDialer{Timeout: 5 * time.Second}, testutil.GetTestEncryptor(t),
		providers.Default().Resolver(f.account.Provider), f.index, f.sink, testConfig(config.ReceiveModePolling), zerolog.Nop())

	creds, err := imap.CredentialsFor(f.account, testutil.GetTestEncryptor(t))
	require.NoError(t, err)
	tr, err := imap.NetDialer{Timeout: 5 * time.Second}.Dial(context.Background(), creds)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	require.NoError(t, w.Scan(context.Background(), tr))
}

func (f *scanFixture) seen(t *testing.T, folder string, uid uint32) bool {
	t.Helper()
	return slices.Contains(f.server.Flags(t, folder, uid), `\Seen`)
}

func TestScanDeliversUnseenMessagesInOrder(t *testing.T) {
	f := newScanFixture(t)

	uid1 := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<One@Example.com>", Subject: "One", From: "a@example.com", To: "me@example.com"})
	uid2 := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<two@example.com>", Subject: "Two", From: "b@example.com", To: "me@example.com"})

	f.scan(t, "INBOX")

	events := f.sink.Arrivals("INBOX")
	require.Len(t, events, 2)
	assert.Equal(t, uid1, events[0].Ref.UID)
	assert.Equal(t, "one@example.com", events[0].Ref.Identity)
	assert.Equal(t, "one@example.com", events[0].Raw.Identity)
	assert.Contains(t, string(events[0].Raw.Body), "Subject: One")
	assert.Equal(t, uid2, events[1].Ref.UID)

	assert.True(t, f.seen(t, "INBOX", uid1))
	assert.True(t, f.seen(t, "INBOX", uid2))
}

func TestScanMarksKnownMessagesReadWithoutDelivering(t *testing.T) {
	f := newScanFixture(t)
	f.index.known["old@example.com"] = true

	uid := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<old@example.com>", Subject: "Old", From: "a@example.com", To: "me@example.com"})

	f.scan(t, "INBOX")

	assert.Empty(t, f.sink.Events())
	assert.True(t, f.seen(t, "INBOX", uid))
}

func TestScanLeavesFailedMessagesUnread(t *testing.T) {
	f := newScanFixture(t)

	bad := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<bad@example.com>", Subject: "Bad", From: "a@example.com", To: "me@example.com"})
	good := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<good@example.com>", Subject: "Good", From: "a@example.com", To: "me@example.com"})
	f.sink.fail = func(ev Event) bool { return ev.Ref.UID == bad }

	f.scan(t, "INBOX")

	assert.Len(t, f.sink.Arrivals("INBOX"), 2, "a failure does not stop the scan")
	assert.False(t, f.seen(t, "INBOX", bad))
	assert.True(t, f.seen(t, "INBOX", good))
}

func TestScanRespectsMarkReadDecision(t *testing.T) {
	f := newScanFixture(t)
	f.sink.noMark = true

	uid := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<later@example.com>", Subject: "Later", From: "a@example.com", To: "me@example.com"})

	f.scan(t, "INBOX")

	require.Len(t, f.sink.Arrivals("INBOX"), 1)
	assert.False(t, f.seen(t, "INBOX", uid))
}

func TestScanFingerprintsAmbiguousMessageIDs(t *testing.T) {
	f := newScanFixture(t)

	f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<dup@example.com>", Subject: "A", From: "a@example.com", To: "me@example.com"})
	f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<DUP@example.com>", Subject: "B", From: "a@example.com", To: "me@example.com"})
	f.server.AddMessage(t, "INBOX", testutil.TestMessage{Subject: "No id", From: "a@example.com", To: "me@example.com"})

	f.scan(t, "INBOX")

	events := f.sink.Arrivals("INBOX")
	require.Len(t, events, 3)
	identities := map[string]bool{}
	for _, ev := range events {
		assert.True(t, strings.HasPrefix(ev.Ref.Identity, models.FingerprintPrefix), ev.Ref.Identity)
		identities[ev.Ref.Identity] = true
	}
	assert.Len(t, identities, 3)
}

func TestScanReportsRemovedMessages(t *testing.T) {
	f := newScanFixture(t)

	present := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<here@example.com>", Subject: "Here", From: "a@example.com", To: "me@example.com"})
	f.index.known["here@example.com"] = true
	f.index.mapped["INBOX"] = []db.MappedRef{
		{UID: present, Identity: "here@example.com", ThreadID: "t1"},
		{UID: 9999, Identity: "gone@example.com", ThreadID: "t1"},
	}

	f.scan(t, "INBOX")

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, Removal, events[0].Kind)
	assert.Equal(t, models.RemoteMessageRef{AccountID: "acct-1", Folder: "INBOX", UID: 9999, Identity: "gone@example.com"}, events[0].Ref)
	assert.Nil(t, events[0].Raw)
}

func TestScanStoresFirstValidity(t *testing.T) {
	f := newScanFixture(t)

	f.scan(t, "INBOX")

	v, ok, err := f.index.FolderValidity(context.Background(), "acct-1", "INBOX")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), v, "the in-memory server reports UIDVALIDITY 1")
}

func TestScanRemapsAfterValidityChange(t *testing.T) {
	f := newScanFixture(t)

	present := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<here@example.com>", Subject: "Here", From: "a@example.com", To: "me@example.com"})
	f.index.known["here@example.com"] = true
	f.index.known["elsewhere@example.com"] = true
	f.index.mapped["INBOX"] = []db.MappedRef{
		{UID: 5001, Identity: "here@example.com", ThreadID: "t1"},
		{UID: 5002, Identity: "elsewhere@example.com", ThreadID: "t2"},
	}
	require.NoError(t, f.index.SetFolderValidity(context.Background(), "acct-1", "INBOX", 99))

	f.scan(t, "INBOX")

	assert.Empty(t, f.sink.Events(), "stale uids after a UIDVALIDITY change are not removals")
	v, _, err := f.index.FolderValidity(context.Background(), "acct-1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
	mapped, err := f.index.MappedUIDs(context.Background(), "acct-1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []db.MappedRef{{UID: present, Identity: "here@example.com", ThreadID: "t1"}}, mapped)

	f.server.Expunge(t, "INBOX", present)
	f.scan(t, "INBOX")

	events := f.sink.Events()
	require.Len(t, events, 1, "once remapped, removals are tracked again")
	assert.Equal(t, Removal, events[0].Kind)
	assert.Equal(t, present, events[0].Ref.UID)
}

func TestScanSelectFailure(t *testing.T) {
	f := newScanFixture(t)

	w := New(f.account, "Missing", imap.NetDialer{}, testutil.GetTestEncryptor(t), nil, f.index, f.sink, testConfig(config.ReceiveModePolling), zerolog.Nop())
	creds, err := imap.CredentialsFor(f.account, testutil.GetTestEncryptor(t))
	require.NoError(t, err)
	tr, err := imap.NetDialer{Timeout: 5 * time.Second}.Dial(context.Background(), creds)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	err = w.Scan(context.Background(), tr)
	var selErr *SelectError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, "Missing", selErr.Folder)
}

func TestRunPicksUpNewMail(t *testing.T) {
	for _, mode := range []config.ReceiveMode{config.ReceiveModePolling, config.ReceiveModeHybrid} {
		t.Run(string(mode), func(t *testing.T) {
			f := newScanFixture(t)
			w := New(f.account, "INBOX", imap.NetDialer{Timeout: 5 * time.Second}, testutil.GetTestEncryptor(t),
				nil, f.index, f.sink, testConfig(mode), zerolog.Nop())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			uid := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<fresh@example.com>", Subject: "Fresh", From: "a@example.com", To: "me@example.com"})

			require.Eventually(t, func() bool {
				return len(f.sink.Arrivals("INBOX")) == 1
			}, 5*time.Second, 20*time.Millisecond)
			assert.Equal(t, uid, f.sink.Arrivals("INBOX")[0].Ref.UID)

			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
}

func TestRunRetriesFailedDials(t *testing.T) {
	dialer := &failingDialer{}
	server := testutil.NewTestIMAPServer(t)
	w := New(testAccount(t, server), "INBOX", dialer, testutil.GetTestEncryptor(t), nil,
		&fakeIndex{}, &recordingSink{}, testConfig(config.ReceiveModeIdle), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return dialer.calls.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type countingTransport struct {
	imap.Transport
	selects *atomic.Int32
}

func (c *countingTransport) Select(ctx context.Context, folder string) (*goimap.MailboxStatus, error) {
	c.selects.Add(1)
	return c.Transport.Select(ctx, folder)
}

type countingDialer struct {
	imap.NetDialer
	selects atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, creds imap.Credentials) (imap.Transport, error) {
	t, err := d.NetDialer.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &countingTransport{Transport: t, selects: &d.selects}, nil
}

func TestRunPollsAtFallbackIntervalWithoutIdle(t *testing.T) {
	for _, mode := range []config.ReceiveMode{config.ReceiveModeIdle, config.ReceiveModeHybrid} {
		t.Run(string(mode), func(t *testing.T) {
			f := newScanFixture(t)
			cfg := testConfig(mode)
			cfg.PollingInterval = time.Hour
			cfg.IdleTimeout = time.Hour
			cfg.IdleFallbackPoll = 20 * time.Millisecond

			dialer := &countingDialer{NetDialer: imap.NetDialer{Timeout: 5 * time.Second}}
			w := New(f.account, "INBOX", dialer, testutil.GetTestEncryptor(t), nil, f.index, f.sink, cfg, zerolog.Nop())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			require.Eventually(t, func() bool { return dialer.selects.Load() >= 3 }, 5*time.Second, 10*time.Millisecond,
				"the in-memory server has no IDLE, so scans must repeat at the fallback interval")

			f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<late@example.com>", Subject: "Late", From: "a@example.com", To: "me@example.com"})
			require.Eventually(t, func() bool { return len(f.sink.Arrivals("INBOX")) == 1 }, 5*time.Second, 10*time.Millisecond)

			cancel()
			require.NoError(t, <-done)
		})
	}
}

type stubIngester struct {
	result ingest.Result
	err    error
	got    []ingest.RawMessage
}

func (s *stubIngester) Ingest(_ context.Context, _ *models.Account, raw ingest.RawMessage) (ingest.Result, error) {
	s.got = append(s.got, raw)
	return s.result, s.err
}

type stubRemovals struct {
	refs []models.RemoteMessageRef
}

func (s *stubRemovals) HandleRemoval(_ context.Context, ref models.RemoteMessageRef) error {
	s.refs = append(s.refs, ref)
	return nil
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	account := &models.Account{ID: "acct-1"}
	raw := &ingest.RawMessage{Folder: "INBOX", UID: 4, Identity: "x@example.com"}

	tests := []struct {
		name     string
		status   ingest.Status
		err      error
		wantMark bool
	}{
		{"delivered", ingest.StatusDelivered, nil, true},
		{"skipped", ingest.StatusSkipped, nil, true},
		{"failed", ingest.StatusFailed, errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &stubIngester{result: ingest.Result{Status: tt.status}, err: tt.err}
			d := Dispatcher{Ingest: in, Removals: &stubRemovals{}}

			mark, err := d.Handle(ctx, account, Event{Kind: Arrival, Ref: models.RemoteMessageRef{UID: 4}, Raw: raw})
			assert.Equal(t, tt.wantMark, mark)
			assert.Equal(t, tt.err, err)
			require.Len(t, in.got, 1)
			assert.Equal(t, uint32(4), in.got[0].UID)
		})
	}

	t.Run("removal", func(t *testing.T) {
		removals := &stubRemovals{}
		d := Dispatcher{Ingest: &stubIngester{}, Removals: removals}
		ref := models.RemoteMessageRef{AccountID: "acct-1", Folder: "INBOX", UID: 9}

		mark, err := d.Handle(ctx, account, Event{Kind: Removal, Ref: ref})
		require.NoError(t, err)
		assert.False(t, mark)
		assert.Equal(t, []models.RemoteMessageRef{ref}, removals.refs)
	})

	t.Run("arrival without message", func(t *testing.T) {
		d := Dispatcher{Ingest: &stubIngester{}}
		_, err := d.Handle(ctx, account, Event{Kind: Arrival})
		assert.Error(t, err)
	})
}
