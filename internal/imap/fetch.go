package imap

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/vdavid/vbridge/internal/apperr"
)

// HeaderInfo is the cheap per-message view used to decide whether a full fetch is needed.
type HeaderInfo struct {
	UID          uint32
	MessageID    string
	Flags        []string
	Size         uint32
	InternalDate time.Time
	Date         time.Time
	Subject      string
}

// RawMessage is a complete message as stored on the server.
type RawMessage struct {
	UID          uint32
	Flags        []string
	Size         uint32
	InternalDate time.Time
	Body         []byte
}

// FetchHeaders fetches envelope data for the given UIDs, ordered by UID.
func (cl *Client) FetchHeaders(ctx context.Context, uids []uint32) ([]HeaderInfo, error) {
	if len(uids) == 0 {
		return []HeaderInfo{}, nil
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- cl.c.UidFetch(seqSet, items, messages)
	}()

	result := make([]HeaderInfo, 0, len(uids))
	for msg := range messages {
		info := HeaderInfo{
			UID:          msg.Uid,
			Flags:        msg.Flags,
			Size:         msg.Size,
			InternalDate: msg.InternalDate,
		}
		if msg.Envelope != nil {
			info.MessageID = msg.Envelope.MessageId
			info.Date = msg.Envelope.Date
			info.Subject = msg.Envelope.Subject
		}
		result = append(result, info)
	}

	if err := <-done; err != nil {
		return nil, apperr.Transient("fetch headers", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

// FetchRaw fetches the whole message without setting \Seen.
func (cl *Client) FetchRaw(ctx context.Context, uid uint32) (*RawMessage, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.UidFetch(seqSet, items, messages)
	}()

	var raw *RawMessage
	var readErr error
	for msg := range messages {
		if raw != nil {
			continue
		}
		raw = &RawMessage{
			UID:          msg.Uid,
			Flags:        msg.Flags,
			Size:         msg.Size,
			InternalDate: msg.InternalDate,
		}
		body := msg.GetBody(section)
		if body == nil {
			readErr = fmt.Errorf("server returned no body for uid %d", uid)
			continue
		}
		raw.Body, readErr = io.ReadAll(body)
	}

	if err := <-done; err != nil {
		return nil, apperr.Transient("fetch body", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message uid %d not found", uid)
	}
	if readErr != nil {
		return nil, apperr.Transient("read body", readErr)
	}
	return raw, nil
}
