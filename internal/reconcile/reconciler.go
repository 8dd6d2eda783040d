// Package reconcile propagates deletions between topics and the mail server.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/mapper"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/platform"
	"github.com/vdavid/vbridge/internal/reliability"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Cleaner removes messages from the mail server, grouped by folder.
type Cleaner interface {
	Clean(ctx context.Context, accountID string, byFolder map[string][]uint32) error
}

// Options tune the sweep. A zero field takes its default: a 3 minute
// interval, 3 attempts, 4 concurrent probes and 10 probes per second.
type Options struct {
	Interval    time.Duration
	Quiescence  time.Duration
	MaxAttempts int
	Concurrency int
	// RatePerSecond paces TopicExists probes across a sweep.
	RatePerSecond float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 10
	}
	return o
}

type Reconciler struct {
	pool     *pgxpool.Pool
	mapper   *mapper.Mapper
	platform platform.Platform
	cleaner  Cleaner
	opts     Options
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New builds a reconciler. cleaner may be nil, in which case remote messages
// are left on the server.
func New(pool *pgxpool.Pool, m *mapper.Mapper, p platform.Platform, cleaner Cleaner, opts Options, log zerolog.Logger) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		pool:     pool,
		mapper:   m,
		platform: p,
		cleaner:  cleaner,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Concurrency),
		log:      logging.Component(log, "reconciler"),
	}
}

// Run sweeps once at start and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep finds threads whose topic is gone and deletes them. It returns how
// many threads were removed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	threads, err := r.mapper.Threads(ctx)
	if err != nil {
		return 0, err
	}

	var removed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, thread := range threads {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			exists, err := r.platform.TopicExists(gctx, thread.TopicID)
			if err != nil {
				r.log.Warn().Err(err).Str("topic_id", thread.TopicID).Msg("failed to probe topic")
				return nil
			}
			if exists {
				return nil
			}

			ok, err := r.reconcile(gctx, thread)
			if err != nil {
				r.log.Error().Err(err).Str("thread_id", thread.ID).Msg("failed to reconcile deleted topic")
				return nil
			}
			if ok {
				removed.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	return int(removed.Load()), err
}

// reconcile deletes one thread whose topic looked missing. The topic is
// checked again after the quiescence delay under the thread lock; whatever
// that last check says wins.
func (r *Reconciler) reconcile(ctx context.Context, thread *models.Thread) (bool, error) {
	held, err := r.mapper.Hold(ctx, thread.ID)
	if err != nil {
		return false, err
	}
	defer held.Release()

	log := r.log.With().Str("thread_id", thread.ID).Str("topic_id", thread.TopicID).Logger()

	if r.opts.Quiescence > 0 && !reliability.Sleep(ctx, r.opts.Quiescence) {
		return false, ctx.Err()
	}

	var exists bool
	err = reliability.Retry(ctx, reliability.PlatformRetryConfig(), func(ctx context.Context) error {
		var err error
		exists, err = r.platform.TopicExists(ctx, thread.TopicID)
		return err
	})
	if err != nil {
		return false, err
	}
	if exists {
		log.Info().Msg("topic is back, keeping thread")
		return false, nil
	}

	if !r.cleanRemote(ctx, thread, log) {
		return false, nil
	}

	if err := held.Delete(ctx); err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			return false, nil
		}
		return false, err
	}
	log.Info().Msg("thread deleted after its topic was removed")
	return true, nil
}

// cleanRemote deletes the thread's messages on the server. It reports whether
// the mapping may go: after a success, or once MaxAttempts failures are on
// record. A failure below the limit keeps the thread for the next sweep.
func (r *Reconciler) cleanRemote(ctx context.Context, thread *models.Thread, log zerolog.Logger) bool {
	if r.cleaner == nil {
		return true
	}

	attempt, err := db.GetDeletionAttempt(ctx, r.pool, thread.ID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read deletion attempts")
		return false
	}
	if attempt != nil && attempt.Attempts >= r.opts.MaxAttempts {
		log.Warn().Int("attempts", attempt.Attempts).Str("last_error", attempt.LastError).Msg("giving up on remote cleanup")
		return true
	}

	refs, err := r.mapper.RemoteRefs(ctx, thread.ID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list remote messages")
		return false
	}
	byFolder := groupByFolder(refs)
	if len(byFolder) == 0 {
		return true
	}

	if err := r.cleaner.Clean(ctx, thread.AccountID, byFolder); err != nil {
		attempts, recErr := db.RecordDeletionAttempt(ctx, r.pool, thread.ID, thread.AccountID, thread.TopicID, err.Error())
		if recErr != nil {
			log.Warn().Err(recErr).Msg("failed to record deletion attempt")
		}
		log.Warn().Err(err).Int("attempts", attempts).Msg("remote cleanup failed")
		return attempts >= r.opts.MaxAttempts
	}

	if err := db.MarkDeletionProcessed(ctx, r.pool, thread.ID, thread.AccountID, thread.TopicID); err != nil {
		log.Warn().Err(err).Msg("failed to mark remote cleanup done")
	}
	return true
}

func groupByFolder(refs []models.RemoteMessageRef) map[string][]uint32 {
	out := make(map[string][]uint32)
	for _, ref := range refs {
		out[ref.Folder] = append(out[ref.Folder], ref.UID)
	}
	for _, uids := range out {
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	}
	return out
}

// HandleRemoval retires the record of a message that vanished from the
// server. When its thread has no inbound records left, the topic is deleted
// on the platform and then the mapping.
func (r *Reconciler) HandleRemoval(ctx context.Context, ref models.RemoteMessageRef) error {
	threadID, remaining, err := r.mapper.RetireRef(ctx, ref)
	if errors.Is(err, db.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	held, err := r.mapper.Hold(ctx, threadID)
	if err != nil {
		return err
	}
	defer held.Release()

	log := r.log.With().Str("thread_id", threadID).Str("ref", ref.Key()).Logger()

	// New mail may have landed between the retire and the lock.
	if n, err := held.CountInbound(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Warn().Int("records", n).Msg("thread received mail while being retired, keeping it")
		return nil
	}

	thread, err := r.mapper.Thread(ctx, threadID)
	if errors.Is(err, db.ErrThreadNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = reliability.Retry(ctx, reliability.PlatformRetryConfig(), func(ctx context.Context) error {
		if err := r.platform.DeleteTopic(ctx, thread.TopicID); err != nil && !platform.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := held.Delete(ctx); err != nil && !errors.Is(err, db.ErrThreadNotFound) {
		return err
	}
	log.Info().Str("topic_id", thread.TopicID).Msg("last message removed on the server, topic deleted")
	return nil
}
