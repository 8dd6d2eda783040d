package testutil

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ReceivedMessage is one accepted SMTP transaction.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// MemoryBackend is an in-memory SMTP backend. FailData, when set, is called
// with the 1-based transaction number before a message is accepted; a non-nil
// return rejects that transaction.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
	count    int
	FailData func(n int, rcpts []string) error
	username string
	password string
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// Messages returns a copy of every accepted message.
func (b *MemoryBackend) Messages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

// Reset forgets accepted messages and the transaction counter.
func (b *MemoryBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
	b.count = 0
}

type memorySession struct {
	backend *MemoryBackend
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Invalid credentials"}
		}
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count++
	if b.FailData != nil {
		if err := b.FailData(b.count, s.to); err != nil {
			return err
		}
	}

	b.messages = append(b.messages, &ReceivedMessage{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
	})
	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer is an in-memory SMTP server listening on a random local port.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
}

// NewTestSMTPServer starts a plain-text SMTP server that accepts PLAIN auth
// for "test-user"/"test-pass". It is closed when the test finishes.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	be := &MemoryBackend{username: "test-user", password: "test-pass"}

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"
	s.MaxRecipients = 1000

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("SMTP server stopped: %v", err)
		}
	}()

	t.Cleanup(func() { _ = s.Close() })

	return &TestSMTPServer{Server: s, Address: listener.Addr().String(), Backend: be}
}

// Username returns the accepted username.
func (s *TestSMTPServer) Username() string {
	return s.Backend.username
}

// Password returns the accepted password.
func (s *TestSMTPServer) Password() string {
	return s.Backend.password
}

// Messages returns every message the server accepted.
func (s *TestSMTPServer) Messages() []*ReceivedMessage {
	return s.Backend.Messages()
}
