package testutil

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server listening on a random local port.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts a server backed by go-imap's memory backend.
// The backend has a single user "username"/"password" whose INBOX already
// holds one seen message. The server is closed when the test finishes.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server stopped: %v", err)
		}
	}()

	t.Cleanup(func() { _ = s.Close() })

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect opens a logged-in client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}
	return c
}

// CreateFolder creates a mailbox for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	c := s.Connect(t)
	defer func() { _ = c.Logout() }()

	if err := c.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// AppendRaw stores a raw RFC 822 message in folder and returns its UID.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folder string, raw []byte, flags ...string) uint32 {
	t.Helper()

	c := s.Connect(t)
	defer func() { _ = c.Logout() }()

	if err := c.Append(folder, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	status, err := c.Select(folder, true)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	if status.UidNext < 2 {
		t.Fatalf("Unexpected UIDNEXT %d after append", status.UidNext)
	}
	return status.UidNext - 1
}

// AddMessage appends a simple unseen plain-text message and returns its UID.
// Pass an empty messageID to omit the Message-ID header.
func (s *TestIMAPServer) AddMessage(t *testing.T, folder string, msg TestMessage) uint32 {
	t.Helper()
	return s.AppendRaw(t, folder, msg.Bytes())
}

// UIDs returns every UID in folder.
func (s *TestIMAPServer) UIDs(t *testing.T, folder string) []uint32 {
	t.Helper()

	c := s.Connect(t)
	defer func() { _ = c.Logout() }()

	if _, err := c.Select(folder, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	uids, err := c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search folder: %v", err)
	}
	return uids
}

// Flags returns the flags of one message.
func (s *TestIMAPServer) Flags(t *testing.T, folder string, uid uint32) []string {
	t.Helper()

	c := s.Connect(t)
	defer func() { _ = c.Logout() }()

	if _, err := c.Select(folder, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	messages := make(chan *imap.Message, 1)
	if err := c.UidFetch(seqSet, []imap.FetchItem{imap.FetchFlags, imap.FetchUid}, messages); err != nil {
		t.Fatalf("Failed to fetch flags: %v", err)
	}

	msg := <-messages
	if msg == nil {
		t.Fatalf("Message %d not found in %s", uid, folder)
	}
	return msg.Flags
}

// Expunge permanently removes one message from folder.
func (s *TestIMAPServer) Expunge(t *testing.T, folder string, uid uint32) {
	t.Helper()

	c := s.Connect(t)
	defer func() { _ = c.Logout() }()

	if _, err := c.Select(folder, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag message: %v", err)
	}
	if err := c.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// TestMessage describes a plain-text message for AddMessage.
type TestMessage struct {
	MessageID   string
	InReplyTo   string
	References  string
	Subject     string
	From        string
	To          string
	Cc          string
	DeliveredTo string
	Date        time.Time
	Body        string
}

// Bytes renders the message in RFC 822 form.
func (m TestMessage) Bytes() []byte {
	var b bytes.Buffer
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	if m.DeliveredTo != "" {
		fmt.Fprintf(&b, "Delivered-To: %s\r\n", m.DeliveredTo)
	}
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", m.MessageID)
	}
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.References)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	if m.Cc != "" {
		fmt.Fprintf(&b, "Cc: %s\r\n", m.Cc)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	body := m.Body
	if body == "" {
		body = "Test message body."
	}
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.Bytes()
}
