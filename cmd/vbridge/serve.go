package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vdavid/vbridge/internal/analysis"
	"github.com/vdavid/vbridge/internal/api"
	"github.com/vdavid/vbridge/internal/config"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/draft"
	"github.com/vdavid/vbridge/internal/imap"
	"github.com/vdavid/vbridge/internal/ingest"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/mapper"
	"github.com/vdavid/vbridge/internal/platform"
	"github.com/vdavid/vbridge/internal/providers"
	"github.com/vdavid/vbridge/internal/reconcile"
	"github.com/vdavid/vbridge/internal/send"
	"github.com/vdavid/vbridge/internal/smtp"
	"github.com/vdavid/vbridge/internal/watcher"
	ws "github.com/vdavid/vbridge/internal/websocket"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge: mailbox watchers, reconciler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
		},
	}
}

// server is the assembled process: everything serve starts and stops.
type server struct {
	handler    http.Handler
	supervisor *watcher.Supervisor
	reconciler *reconcile.Reconciler
	pool       *pgxpool.Pool
	log        zerolog.Logger
}

func newServer(cfg *config.Config, pool *pgxpool.Pool, log zerolog.Logger) (*server, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	table, err := providers.Load(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}

	hub := ws.NewHub(10, log)
	p := platform.NewHubPlatform(pool, hub, cfg.PlatformTimeout, log)
	m := mapper.New(pool, log)

	var analyzer ingest.Analyzer
	if cfg.Analysis.Enabled {
		client := analysis.NewOpenAIClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, analysis.Instructions, cfg.Analysis.Timeout)
		analyzer = analysis.NewAnalyzer(client, cfg.Analysis.Timeout, log)
	}
	ingester := ingest.NewPipeline(m, p, analyzer, ingest.Options{
		AnalysisEnabled:   cfg.Analysis.Enabled,
		AnalysisMinLength: cfg.Analysis.MinLength,
		DefaultModels:     cfg.Analysis.Models,
		TextLimit:         cfg.PlatformTextLimit,
	}, log)

	imapDialer := imap.NetDialer{Timeout: cfg.Receive.DialTimeout, CommandTimeout: time.Minute}
	sent := send.IMAPSentAppender{Dialer: imapDialer, Encryptor: encryptor, Providers: table, Timeout: cfg.SMTPTimeout}
	sender := send.NewPipeline(pool, m, smtp.NetDialer{Timeout: cfg.SMTPTimeout}, encryptor, sent, cfg.SMTPTimeout, log)
	drafts := draft.NewService(pool, m, p, sender, log)

	reconciler := reconcile.New(pool, m, p, reconcile.IMAPCleaner{
		Pool:      pool,
		Dialer:    imapDialer,
		Encryptor: encryptor,
	}, reconcile.Options{
		Interval:      cfg.Deletion.Interval,
		Quiescence:    cfg.Deletion.QuiescenceDelay,
		MaxAttempts:   cfg.Deletion.MaxAttempts,
		Concurrency:   cfg.Deletion.Concurrency,
		RatePerSecond: cfg.Deletion.RatePerSecond,
	}, log)

	supervisor := watcher.NewSupervisor(imapDialer, encryptor, table, m,
		watcher.Dispatcher{Ingest: ingester, Removals: reconciler},
		cfg.Receive, log)

	handler := api.NewRouter(api.Handlers{
		Accounts:  api.NewAccountsHandler(pool, encryptor, table, supervisor, log),
		Topics:    api.NewTopicsHandler(p, log),
		Drafts:    api.NewDraftsHandler(drafts, log),
		WebSocket: api.NewWebSocketHandler(pool, hub, cfg.APIToken, log),
	}, cfg.APIToken, log)

	return &server{
		handler:    handler,
		supervisor: supervisor,
		reconciler: reconciler,
		pool:       pool,
		log:        log,
	}, nil
}

// startWatchers starts one supervised task per active account.
func (s *server) startWatchers(ctx context.Context) error {
	accounts, err := db.ListAccounts(ctx, s.pool, true)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		s.supervisor.Start(ctx, account)
	}
	s.log.Info().Int("accounts", len(accounts)).Msg("Started mailbox watchers")
	return nil
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)
	log.Info().Msg("Successfully connected to database")

	if _, err := migrate(ctx, pool, log); err != nil {
		return err
	}

	s, err := newServer(cfg, pool, log)
	if err != nil {
		return err
	}
	if err := s.startWatchers(ctx); err != nil {
		return fmt.Errorf("failed to start watchers: %w", err)
	}
	defer s.supervisor.StopAll()

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		if err := s.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Reconciler stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", httpServer.Addr).Str("environment", cfg.Environment).Msg("vbridge starting")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown did not complete")
		}
	}

	<-reconcileDone
	return nil
}
