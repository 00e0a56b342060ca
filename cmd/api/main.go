package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"manuscript/api/internal/app"
	"manuscript/api/internal/auth"
	"manuscript/api/internal/blob"
	"manuscript/api/internal/config"
	"manuscript/api/internal/identity"
	"manuscript/api/internal/metrics"
	"manuscript/api/internal/notify"
	"manuscript/api/internal/ratelimit"
	"manuscript/api/internal/rbac"
	"manuscript/api/internal/revisions"
	"manuscript/api/internal/scoring"
	"manuscript/api/internal/search"
	"manuscript/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("load config: " + err.Error())
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	dataStore := store.NewPostgresStore(db)

	redisClient, err := ratelimit.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer redisClient.Close()

	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("blob storage unavailable", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		logger.Fatal("failed to create revisions dir", zap.Error(err))
	}
	archive := revisions.New(cfg.RevisionsDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	go searchService.ReindexAllFromPG(context.Background())

	collectors := metrics.New()

	mailer := notify.NewMailer(notify.Config{
		Host:          cfg.SMTPHost,
		Port:          cfg.SMTPPort,
		Username:      cfg.SMTPUsername,
		Password:      cfg.SMTPPassword,
		From:          cfg.SMTPFrom,
		SkipTLSVerify: cfg.SMTPSkipTLSVerify,
	}, dataStore, logger)

	var scorer scoring.Scorer = scoring.Noop{}
	if strings.TrimSpace(cfg.ScoringURL) != "" {
		scorer = scoring.NewHTTPClient(cfg.ScoringURL, cfg.ScoringTimeout)
	}
	dispatcher := scoring.NewDispatcher(scorer, redisClient, dataStore.IsDuplicate, collectors, logger)
	sweeper, err := dispatcher.Schedule(cfg.ScoringRetrySchedule)
	if err != nil {
		logger.Fatal("score retry schedule invalid", zap.Error(err))
	}
	defer sweeper.Stop()

	service := app.New(cfg, app.Dependencies{
		Store:    dataStore,
		Blobs:    blobs,
		Quota:    ratelimit.NewDailyCounter(redisClient, "submissions"),
		Archive:  archive,
		Search:   searchService,
		Notifier: mailer,
		Scoring:  dispatcher,
		Metrics:  collectors,
		Logger:   logger,
	})

	if err := bootstrapAdmin(ctx, cfg, dataStore, logger); err != nil {
		logger.Warn("bootstrap admin failed (will retry on next restart)", zap.Error(err))
	}

	resolver := identity.NewResolver([]byte(cfg.JWTSecret), dataStore, identity.NewPseudonymizer(cfg.PseudonymKey))
	httpServer := app.NewHTTPServer(service, resolver, collectors.Handler(), cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("manuscript API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("init logger: " + err.Error())
	}
	return logger
}

// newBlobStore picks the object store backend. Development falls back to an
// in-memory store when the configured backend is unreachable.
func newBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (blob.Store, error) {
	var (
		objects blob.Store
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.BlobBackend)) {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "s3":
		objects, err = blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			Region:    cfg.BlobRegion,
			PublicURL: cfg.BlobPublicURL,
		})
	default:
		objects, err = blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			Region:    cfg.BlobRegion,
			UseSSL:    cfg.BlobUseSSL,
			PublicURL: cfg.BlobPublicURL,
		})
	}
	if err != nil && cfg.Development() {
		logger.Warn("blob backend unavailable, using in-memory store", zap.String("backend", cfg.BlobBackend), zap.Error(err))
		return blob.NewMemoryStore(), nil
	}
	return objects, err
}

func bootstrapAdmin(ctx context.Context, cfg config.Config, users *store.PostgresStore, logger *zap.Logger) error {
	if strings.TrimSpace(cfg.BootstrapAdminID) == "" {
		return nil
	}
	admin, err := users.EnsureUser(ctx, store.User{
		ID:          cfg.BootstrapAdminID,
		DisplayName: cfg.BootstrapAdminName,
		Email:       cfg.BootstrapAdminEmail,
		Role:        string(rbac.RoleSuperAdmin),
	})
	if err != nil {
		return err
	}
	logger.Info("bootstrap admin ready", zap.String("user_id", admin.ID))
	if !cfg.Development() {
		return nil
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), admin.ID, admin.DisplayName, admin.Role, cfg.BootstrapTokenTTL)
	if err != nil {
		return err
	}
	logger.Info("bootstrap admin token", zap.String("token", token))
	return nil
}
