package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cqm/api/internal/app"
	"cqm/api/internal/docstore"
	"cqm/api/internal/export"
	"cqm/api/internal/records"
	"cqm/api/internal/search"
	"cqm/api/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, dialect, err := docstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := docstore.ApplyMigrations(ctx, db, dialect); err != nil {
			return err
		}
		logger.Info("migrations applied", zap.String("dialect", string(dialect)))
		return nil
	},
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := loadCatalog()
	if err != nil {
		return err
	}

	db, dialect, err := docstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", zap.Error(err))
		return err
	}
	defer db.Close()
	if err := docstore.ApplyMigrations(ctx, db, dialect); err != nil {
		logger.Error("migrations failed", zap.Error(err))
		return err
	}

	var (
		notifier docstore.Notifier = docstore.NewLocalNotifier()
		sessions session.Store     = session.NewMemoryStore()
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		sessions = redisStore
		notifier = docstore.NewRedisNotifier(redisStore.Client())
		logger.Info("using redis for sessions and change notifications")
	}
	defer sessions.Close()

	store := docstore.NewSQLStore(db, dialect, notifier, logger.Named("docstore"))
	adapter := records.NewAdapter(store, cfg.AppID, logger.Named("records"))

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, cfg.AppID, logger.Named("search"))
	}
	searchService := search.NewService(meiliClient, search.NewSQLScan(db, dialect, adapter.CollectionPath()), logger.Named("search"))
	defer searchService.Close()

	var sink export.Sink
	if strings.TrimSpace(cfg.ExportEndpoint) != "" {
		minioSink, err := export.NewMinioSink(ctx, export.MinioConfig{
			Endpoint:  cfg.ExportEndpoint,
			AccessKey: cfg.ExportAccessKey,
			SecretKey: cfg.ExportSecretKey,
			Bucket:    cfg.ExportBucket,
			UseSSL:    cfg.ExportUseSSL,
			LinkTTL:   cfg.ExportLinkTTL,
		})
		if err != nil {
			logger.Warn("export storage unavailable; download links disabled", zap.Error(err))
		} else {
			sink = minioSink
		}
	}

	service := app.New(ctx, cfg, app.Deps{
		Catalog:  cat,
		Records:  adapter,
		Sessions: sessions,
		Search:   searchService,
		Export:   export.NewService(cat, sink, logger.Named("export")),
		Database: store,
	}, logger.Named("app"))
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("cqm api listening", zap.String("addr", cfg.Addr), zap.String("collection", adapter.CollectionPath()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return service.RunIndexer(gctx)
	})
	g.Go(func() error {
		return service.RunReaper(gctx, cfg.SessionReapInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Ends open record streams so Shutdown does not wait on them.
		service.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
