package imap

import (
	"context"
	"sort"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/vdavid/vbridge/internal/apperr"
)

// ThreadOrder orders uids so that thread parents come before their replies,
// using UID THREAD REFERENCES over just those messages. UIDs the server does
// not place in a thread are appended in ascending order.
func (cl *Client) ThreadOrder(ctx context.Context, uids []uint32) ([]uint32, error) {
	if len(uids) < 2 {
		return append([]uint32(nil), uids...), nil
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddNum(uids...)

	threads, err := sortthread.NewThreadClient(cl.c).UidThread(sortthread.References, criteria)
	if err != nil {
		return nil, apperr.Transient("thread", err)
	}
	return FlattenThreads(threads, uids), nil
}

// FlattenThreads walks threads depth first and keeps only UIDs in want.
func FlattenThreads(threads []*sortthread.Thread, want []uint32) []uint32 {
	wanted := make(map[uint32]bool, len(want))
	for _, uid := range want {
		wanted[uid] = true
	}

	out := make([]uint32, 0, len(want))
	var walk func(t *sortthread.Thread)
	walk = func(t *sortthread.Thread) {
		if t == nil {
			return
		}
		if wanted[t.Id] {
			out = append(out, t.Id)
			delete(wanted, t.Id)
		}
		for _, child := range t.Children {
			walk(child)
		}
	}
	for _, t := range threads {
		walk(t)
	}

	rest := make([]uint32, 0, len(wanted))
	for uid := range wanted {
		rest = append(rest, uid)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
