package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"docsync/api/internal/app"
	"docsync/api/internal/archive"
	"docsync/api/internal/config"
	"docsync/api/internal/content"
	"docsync/api/internal/export"
	"docsync/api/internal/extract"
	"docsync/api/internal/logging"
	"docsync/api/internal/mirror"
	"docsync/api/internal/rbac"
	"docsync/api/internal/realtime"
	"docsync/api/internal/search"
	"docsync/api/internal/store"
	"docsync/api/internal/util"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("docsync api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect, err := cfg.Dialect()
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		return err
	}
	dataStore := store.NewSQLStore(db, dialect)

	if err := os.MkdirAll(cfg.MirrorDir, 0o755); err != nil {
		return err
	}
	mirrorService := mirror.New(cfg.MirrorDir, logger)
	listeners := []content.Listener{mirrorService}

	var meiliClient *search.Meili
	var indexer *search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		indexer = search.NewIndexer(meiliClient, logger)
		listeners = append(listeners, indexer)
	}

	var pageArchive *archive.Store
	if strings.TrimSpace(cfg.Archive.Endpoint) != "" {
		pageArchive, err = archive.New(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			UseSSL:    cfg.Archive.UseSSL,
		}, logger)
		if err != nil {
			return err
		}
		if err := pageArchive.EnsureBucket(ctx); err != nil {
			return err
		}
		listeners = append(listeners, pageArchive)
	}

	hubConfig := realtime.HubConfig{Logger: logger}
	var relay *realtime.RedisRelay
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := realtime.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		relay = realtime.NewRedisRelay(client, util.NewID(), logger)
		hubConfig.Relay = relay
	}
	hub := realtime.NewHub(hubConfig)
	if relay != nil {
		if err := relay.Subscribe(ctx, hub.Deliver); err != nil {
			return err
		}
	}

	var sanitizer content.Sanitizer
	if cfg.SanitizeEdits {
		sanitizer = bluemonday.UGCPolicy()
	}
	contentService := content.New(content.Deps{
		Store:      dataStore,
		Authorizer: rbac.NewAuthorizer(dataStore, store.IsNotFound),
		Fetcher:    extract.NewHTTPFetcher(extract.FetcherConfig{Timeout: cfg.FetchTimeout}),
		Notifier:   hub,
		Sanitizer:  sanitizer,
		Listeners:  listeners,
		Logger:     logger,
	})
	defer contentService.Close()

	if indexer != nil {
		go func() {
			if err := indexer.Reindex(ctx, dataStore); err != nil {
				logger.Warn("search reindex failed", zap.Error(err))
			}
		}()
	}

	deps := app.Deps{
		Content:   contentService,
		Search:    search.NewService(meiliClient, contentService, logger),
		Export:    export.NewService(contentService),
		Revisions: mirrorService,
		Realtime: realtime.NewServer(realtime.ServerConfig{
			Hub:            hub,
			Logger:         logger,
			OriginPatterns: originPatterns(cfg.CORSOrigins),
			Authorize: func(ctx context.Context, userID, documentID string) error {
				_, err := contentService.AuthorizeDocument(ctx, userID, documentID, rbac.ActionRead)
				return err
			},
		}),
		DB:          dataStore,
		JWTSecret:   []byte(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	}
	if pageArchive != nil {
		deps.Archive = pageArchive
	}

	httpServer := app.NewHTTPServer(deps)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Zero so WebSocket connections are not cut off.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("docsync api listening", zap.String("addr", cfg.Addr), zap.String("driver", string(dialect)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// originPatterns turns CORS origins into WebSocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		origin = strings.TrimPrefix(origin, "https://")
		origin = strings.TrimPrefix(origin, "http://")
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
