package watcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/config"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/imap"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/providers"
	"github.com/vdavid/vbridge/internal/reliability"
	"golang.org/x/sync/errgroup"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	keys   []string
}

// Supervisor runs one task per account. A task runs one Watcher per
// monitored folder, and a watcher that fails or panics never takes its
// siblings down.
type Supervisor struct {
	dialer    imap.Dialer
	encryptor *crypto.Encryptor
	providers *providers.Table
	index     Index
	sink      Sink
	cfg       config.ReceiveConfig
	log       zerolog.Logger

	// ops serializes Start and Stop.
	ops   sync.Mutex
	mu    sync.Mutex
	tasks map[string]*task
}

func NewSupervisor(dialer imap.Dialer, encryptor *crypto.Encryptor, table *providers.Table, index Index, sink Sink, cfg config.ReceiveConfig, log zerolog.Logger) *Supervisor {
	if table == nil {
		table = providers.Default()
	}
	return &Supervisor{
		dialer:    dialer,
		encryptor: encryptor,
		providers: table,
		index:     index,
		sink:      sink,
		cfg:       cfg,
		log:       logging.Component(log, "supervisor"),
		tasks:     make(map[string]*task),
	}
}

// Start launches the account's watchers, replacing any that already run.
// The task outlives ctx and ends with Stop or StopAll.
func (s *Supervisor) Start(ctx context.Context, account *models.Account) {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.stop(account.ID)

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	resolver := s.providers.Resolver(account.Provider)

	t := &task{cancel: cancel, done: make(chan struct{})}
	var watchers []*Watcher
	for _, folder := range account.Folders() {
		w := New(account, folder, s.dialer, s.encryptor, resolver, s.index, s.sink, s.cfg, s.log)
		watchers = append(watchers, w)
		t.keys = append(t.keys, w.Key())
	}

	s.mu.Lock()
	s.tasks[account.ID] = t
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		var g errgroup.Group
		for _, w := range watchers {
			g.Go(func() error {
				s.runGuarded(taskCtx, w)
				return nil
			})
		}
		_ = g.Wait()
	}()

	s.log.Info().
		Str("account", logging.MaskEmail(account.Email)).
		Strs("folders", account.Folders()).
		Msg("watchers started")
}

// runGuarded restarts a watcher that panicked, after the reconnect backoff.
func (s *Supervisor) runGuarded(ctx context.Context, w *Watcher) {
	for attempt := 0; ; attempt++ {
		err := s.runOnce(ctx, w)
		if err == nil || ctx.Err() != nil {
			return
		}
		delay := w.backoff.Next(attempt)
		s.log.Error().Err(err).Str("watcher", w.Key()).Dur("retry_in", delay).Msg("watcher crashed")
		if !reliability.Sleep(ctx, delay) {
			return
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, w *Watcher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Run(ctx)
}

// Stop cancels the account's watchers and waits for them to finish their
// in-flight messages.
func (s *Supervisor) Stop(accountID string) {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.stop(accountID)
}

func (s *Supervisor) stop(accountID string) {
	s.mu.Lock()
	t, ok := s.tasks[accountID]
	delete(s.tasks, accountID)
	s.mu.Unlock()
	if !ok {
		return
	}

	t.cancel()
	<-t.done
	s.log.Info().Str("account_id", accountID).Msg("watchers stopped")
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(id)
		}()
	}
	wg.Wait()
}

// Running lists the keys of all running watchers, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, t := range s.tasks {
		keys = append(keys, t.keys...)
	}
	sort.Strings(keys)
	return keys
}
