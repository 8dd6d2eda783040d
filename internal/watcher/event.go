package watcher

import (
	"context"
	"fmt"

	"github.com/vdavid/vbridge/internal/ingest"
	"github.com/vdavid/vbridge/internal/models"
)

type EventKind string

const (
	Arrival EventKind = "arrival"
	Removal EventKind = "removal"
)

// Event is one observed mailbox change. Raw is set for arrivals only.
type Event struct {
	Kind EventKind
	Ref  models.RemoteMessageRef
	Raw  *ingest.RawMessage
}

// Sink consumes watcher events. For an arrival, markRead tells the watcher
// whether the message may be flagged \Seen.
type Sink interface {
	Handle(ctx context.Context, account *models.Account, ev Event) (markRead bool, err error)
}

// Ingester is the arrival side of a Dispatcher. *ingest.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, account *models.Account, raw ingest.RawMessage) (ingest.Result, error)
}

// RemovalHandler is the removal side of a Dispatcher. *reconcile.Reconciler satisfies it.
type RemovalHandler interface {
	HandleRemoval(ctx context.Context, ref models.RemoteMessageRef) error
}

// Dispatcher routes arrivals to ingestion and removals to reconciliation.
type Dispatcher struct {
	Ingest   Ingester
	Removals RemovalHandler
}

func (d Dispatcher) Handle(ctx context.Context, account *models.Account, ev Event) (bool, error) {
	switch ev.Kind {
	case Arrival:
		if ev.Raw == nil {
			return false, fmt.Errorf("arrival event for uid %d has no message", ev.Ref.UID)
		}
		res, err := d.Ingest.Ingest(ctx, account, *ev.Raw)
		return res.MarkRead(), err
	case Removal:
		if d.Removals == nil {
			return false, nil
		}
		return false, d.Removals.HandleRemoval(ctx, ev.Ref)
	default:
		return false, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
