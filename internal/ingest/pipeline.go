package ingest

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/keylock"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/mapper"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/platform"
)

// Status is the outcome of ingesting one message.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result describes what happened to one message. The watcher marks the
// message read unless Status is StatusFailed.
type Result struct {
	Status   Status
	Identity string
	ThreadID string
	TopicID  string
	Created  bool
}

// MarkRead reports whether the message may be flagged \Seen on the server.
func (r Result) MarkRead() bool {
	return r.Status == StatusDelivered || r.Status == StatusSkipped
}

// Analyzer summarizes text with the first model that answers.
type Analyzer interface {
	Analyze(ctx context.Context, modelNames []string, text string) (*models.AnalysisResult, error)
}

// Options tune the pipeline.
type Options struct {
	AnalysisEnabled   bool
	AnalysisMinLength int
	DefaultModels     []string
	TextLimit         int
}

type Pipeline struct {
	mapper   *mapper.Mapper
	platform platform.Platform
	analyzer Analyzer
	opts     Options
	// idents serializes ingests of one identity within an account.
	idents *keylock.Locker
	log    zerolog.Logger
}

// NewPipeline builds a pipeline. analyzer may be nil when analysis is off.
func NewPipeline(m *mapper.Mapper, p platform.Platform, analyzer Analyzer, opts Options, log zerolog.Logger) *Pipeline {
	if opts.TextLimit <= 0 {
		opts.TextLimit = DefaultTextLimit
	}
	return &Pipeline{
		mapper:   m,
		platform: p,
		analyzer: analyzer,
		opts:     opts,
		idents:   keylock.New(),
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest delivers one message to its topic. The record is written only after
// every post went out, so a failure leaves the message unmapped and the next
// scan tries again.
func (p *Pipeline) Ingest(ctx context.Context, account *models.Account, raw RawMessage) (Result, error) {
	log := p.log.With().
		Str("account", logging.MaskEmail(account.Email)).
		Str("folder", raw.Folder).
		Uint32("uid", raw.UID).
		Logger()

	rec, env, err := Normalize(account.ID, raw)
	if err != nil {
		log.Error().Err(err).Msg("failed to normalize message")
		return Result{Status: StatusFailed, Identity: raw.Identity}, err
	}
	result := Result{Identity: rec.Ref.Identity}

	// The same message can sit in two monitored folders. Whoever takes the
	// lock second finds it recorded and skips.
	unlock, err := p.idents.Lock(ctx, account.ID+"|"+rec.Ref.Identity)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	defer unlock()

	known, err := p.mapper.Known(ctx, account.ID, rec.Ref.Identity)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	if known {
		result.Status = StatusSkipped
		return result, nil
	}

	threadID, created, err := p.mapper.ResolveOrCreateThread(ctx, account.ID, rec, p.platform)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve thread")
		result.Status = StatusFailed
		return result, err
	}
	result.ThreadID, result.Created = threadID, created

	thread, err := p.mapper.Thread(ctx, threadID)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	result.TopicID = thread.TopicID

	rec.Analysis = p.analyze(ctx, account, rec, log)

	delivery := Format(rec, env, p.opts.TextLimit)
	if rec.Analysis != nil {
		summary, _ := Truncate(SummaryText(rec.Analysis), p.opts.TextLimit)
		posts := append([]platform.Post{delivery.Posts[0], platform.TextPost(summary)}, delivery.Posts[1:]...)
		delivery.Posts = posts
	}

	if err := p.deliver(ctx, thread.TopicID, delivery, created, log); err != nil {
		result.Status = StatusFailed
		return result, err
	}

	inserted, err := p.mapper.AppendToThread(ctx, threadID, rec)
	var conflict *apperr.ReconciliationConflictError
	if errors.As(err, &conflict) {
		log.Warn().Str("thread_id", threadID).Msg("thread was deleted while the message was being delivered")
		result.Status = StatusFailed
		return result, err
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record delivered message")
		result.Status = StatusFailed
		return result, err
	}
	if !inserted {
		// Another process recorded the identity first; the posts are duplicates.
		log.Warn().Str("identity", rec.Ref.Identity).Msg("message was recorded concurrently")
	}

	log.Info().Str("thread_id", threadID).Bool("new_thread", created).Int("posts", len(delivery.Posts)).Msg("message delivered")
	result.Status = StatusDelivered
	return result, nil
}

func (p *Pipeline) deliver(ctx context.Context, topicID string, d platform.Delivery, pin bool, log zerolog.Logger) error {
	for i, post := range d.Posts {
		if i == 0 && pin {
			post.Kind = models.PostKindCard
		}

		msgID, err := p.platform.Post(ctx, topicID, post)
		if err != nil {
			log.Error().Err(err).Int("post", i).Str("topic_id", topicID).Msg("failed to post to topic")
			return fmt.Errorf("failed to post to topic %s: %w", topicID, err)
		}

		if i == 0 && pin {
			if err := p.platform.Pin(ctx, topicID, msgID); err != nil {
				log.Warn().Err(err).Str("topic_id", topicID).Msg("failed to pin header card")
			}
		}
	}
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, account *models.Account, rec *models.MessageRecord, log zerolog.Logger) *models.AnalysisResult {
	if !p.opts.AnalysisEnabled || p.analyzer == nil {
		return nil
	}
	if utf8.RuneCountInString(rec.BodyText) <= p.opts.AnalysisMinLength {
		return nil
	}

	modelNames := account.AnalysisModels
	if len(modelNames) == 0 {
		modelNames = p.opts.DefaultModels
	}

	res, err := p.analyzer.Analyze(ctx, modelNames, rec.BodyText)
	if err != nil {
		log.Debug().Err(err).Msg("analysis failed, delivering without summary")
		return nil
	}
	return res
}
