package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/models"
)

// Transport is the mail-server surface the core depends on. A Transport is
// bound to one connection and is not safe for concurrent use by callers that
// expect a stable selected folder; each watcher owns its own.
type Transport interface {
	Select(ctx context.Context, folder string) (*imap.MailboxStatus, error)
	Capabilities(ctx context.Context) (map[string]bool, error)
	SupportsIdle(ctx context.Context) bool
	SupportsThread(ctx context.Context) bool
	SearchUnseen(ctx context.Context) ([]uint32, error)
	SearchAll(ctx context.Context) ([]uint32, error)
	ThreadOrder(ctx context.Context, uids []uint32) ([]uint32, error)
	FetchHeaders(ctx context.Context, uids []uint32) ([]HeaderInfo, error)
	FetchRaw(ctx context.Context, uid uint32) (*RawMessage, error)
	MarkRead(ctx context.Context, uid uint32) error
	DeleteMessages(ctx context.Context, folder string, uids []uint32) error
	Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error
	WaitForChange(ctx context.Context, fallbackPoll, timeout time.Duration) (bool, error)
	Close() error
}

// Dialer opens logged-in transports.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Transport, error)
}

// Credentials is what a dial needs. Password is plaintext and only lives for the dial.
type Credentials struct {
	Address  string
	UseTLS   bool
	Username string
	Password string
}

// CredentialsFor unseals the account's IMAP password.
func CredentialsFor(account *models.Account, encryptor *crypto.Encryptor) (Credentials, error) {
	password, err := encryptor.Decrypt(account.EncryptedIMAPPassword)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	return Credentials{
		Address:  account.IMAPAddress(),
		UseTLS:   account.IMAPUseTLS,
		Username: account.IMAPUsername,
		Password: password,
	}, nil
}

// NetDialer dials real servers with go-imap.
type NetDialer struct {
	// Timeout bounds the TCP/TLS dial and the login.
	Timeout time.Duration
	// CommandTimeout bounds every later command. Zero means no limit.
	CommandTimeout time.Duration
}

// Dial connects and logs in. Every failure is a TransientTransportError,
// authentication included, so watchers keep retrying with backoff.
func (d NetDialer) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	dialer := &net.Dialer{Timeout: timeout}

	var c *client.Client
	var err error
	if creds.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, creds.Address, nil)
	} else {
		c, err = client.DialWithDialer(dialer, creds.Address)
	}
	if err != nil {
		return nil, apperr.Transient("dial", err)
	}

	c.Timeout = timeout
	if err := c.Login(creds.Username, creds.Password); err != nil {
		_ = c.Logout()
		return nil, apperr.Transient("login", err)
	}
	c.Timeout = d.CommandTimeout

	return newClient(c), nil
}

var _ Transport = (*Client)(nil)

// Client is a Transport over one go-imap connection. Commands are serialized
// with a mutex since go-imap v1 does not allow concurrent commands while idling.
type Client struct {
	mu       sync.Mutex
	c        *client.Client
	selected string
	updates  chan client.Update
	changed  chan struct{}
	caps     map[string]bool
}

func newClient(c *client.Client) *Client {
	cl := &Client{
		c:       c,
		updates: make(chan client.Update, 32),
		changed: make(chan struct{}, 1),
	}
	c.Updates = cl.updates
	go cl.drainUpdates()
	return cl
}

// drainUpdates keeps the unilateral update channel empty and turns mailbox
// size changes into a pending change signal.
func (cl *Client) drainUpdates() {
	for {
		select {
		case u := <-cl.updates:
			switch u := u.(type) {
			case *client.MailboxUpdate:
				if u.Mailbox != nil {
					cl.signal()
				}
			case *client.ExpungeUpdate:
				cl.signal()
			}
		case <-cl.c.LoggedOut():
			return
		}
	}
}

func (cl *Client) signal() {
	select {
	case cl.changed <- struct{}{}:
	default:
	}
}

// Close logs out and drops the connection.
func (cl *Client) Close() error {
	err := cl.c.Logout()
	if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		_ = cl.c.Terminate()
		return err
	}
	return nil
}

// Select opens folder read-write. Reselecting the current folder is a no-op.
func (cl *Client) Select(ctx context.Context, folder string) (*imap.MailboxStatus, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.selectLocked(ctx, folder)
}

func (cl *Client) selectLocked(ctx context.Context, folder string) (*imap.MailboxStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.EqualFold(cl.selected, folder) && cl.c.Mailbox() != nil {
		return cl.c.Mailbox(), nil
	}
	status, err := cl.c.Select(folder, false)
	if err != nil {
		cl.selected = ""
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	cl.selected = folder
	return status, nil
}

// Capabilities returns the server capabilities, cached after the first call.
func (cl *Client) Capabilities(ctx context.Context) (map[string]bool, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cl.caps != nil {
		return cl.caps, nil
	}
	caps, err := cl.c.Capability()
	if err != nil {
		return nil, apperr.Transient("capability", err)
	}
	cl.caps = caps
	return caps, nil
}

func (cl *Client) supports(ctx context.Context, name string) bool {
	caps, err := cl.Capabilities(ctx)
	if err != nil {
		return false
	}
	return caps[name]
}

// SupportsIdle reports the IDLE capability.
func (cl *Client) SupportsIdle(ctx context.Context) bool {
	return cl.supports(ctx, "IDLE")
}

// SupportsThread reports THREAD=REFERENCES.
func (cl *Client) SupportsThread(ctx context.Context) bool {
	return cl.supports(ctx, "THREAD=REFERENCES")
}

// SearchUnseen returns UIDs of messages without \Seen in the selected folder.
func (cl *Client) SearchUnseen(ctx context.Context) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return cl.search(ctx, criteria)
}

// SearchAll returns every UID in the selected folder.
func (cl *Client) SearchAll(ctx context.Context) ([]uint32, error) {
	return cl.search(ctx, imap.NewSearchCriteria())
}

func (cl *Client) search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uids, err := cl.c.UidSearch(criteria)
	if err != nil {
		return nil, apperr.Transient("search", err)
	}
	return uids, nil
}

// MarkRead adds \Seen to one message in the selected folder.
func (cl *Client) MarkRead(ctx context.Context, uid uint32) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.c.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return apperr.Transient("mark read", err)
	}
	return nil
}
