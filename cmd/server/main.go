// Command server starts the TubePanel HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tubepanel/internal/api"
	"tubepanel/internal/auth"
	"tubepanel/internal/events"
	"tubepanel/internal/media"
	"tubepanel/internal/observability/logging"
	"tubepanel/internal/observability/metrics"
	"tubepanel/internal/quota"
	"tubepanel/internal/server"
	"tubepanel/internal/storage"
	"tubepanel/internal/upstream"
)

const (
	usersDocument    = "users"
	accountsDocument = "accounts"
)

func main() {
	var (
		addr      = flag.String("addr", "", "listen address (TUBEPANEL_ADDR, default :8080)")
		logLevel  = flag.String("log-level", "", "log level: debug, info, warn, error (TUBEPANEL_LOG_LEVEL)")
		logFormat = flag.String("log-format", "", "log format: text or json (TUBEPANEL_LOG_FORMAT)")
		dataDir   = flag.String("data-dir", "", "directory for JSON documents and media (TUBEPANEL_DATA_DIR, default data)")

		storageDriver = flag.String("storage-driver", "", "storage driver: json or postgres (TUBEPANEL_STORAGE_DRIVER)")
		postgresDSN   = flag.String("postgres-dsn", "", "Postgres connection string (TUBEPANEL_POSTGRES_DSN, DATABASE_URL)")

		secret     = flag.String("secret", "", "secret keying password hashes and session tokens (TUBEPANEL_SECRET)")
		sessionTTL = flag.Duration("session-ttl", 0, "session token lifetime (TUBEPANEL_SESSION_TTL)")

		tlsCert = flag.String("tls-cert", "", "TLS certificate file (TUBEPANEL_TLS_CERT)")
		tlsKey  = flag.String("tls-key", "", "TLS key file (TUBEPANEL_TLS_KEY)")

		globalRPS     = flag.Float64("global-rps", 0, "global request rate limit, 0 disables (TUBEPANEL_GLOBAL_RPS)")
		globalBurst   = flag.Int("global-burst", 0, "global rate limit burst (TUBEPANEL_GLOBAL_BURST)")
		loginLimit    = flag.Int("login-limit", 0, "login attempts allowed per IP per window, default 10 (TUBEPANEL_LOGIN_LIMIT)")
		loginWindow   = flag.Duration("login-window", 0, "login rate limit window, default 1m (TUBEPANEL_LOGIN_WINDOW)")
		rateRedisAddr = flag.String("rate-redis-addr", "", "Redis address backing the login limiter (TUBEPANEL_RATE_REDIS_ADDR)")
		rateRedisPass = flag.String("rate-redis-password", "", "Redis password for the login limiter (TUBEPANEL_RATE_REDIS_PASSWORD)")

		eventsRedisAddr = flag.String("events-redis-addr", "", "Redis address for the event stream, empty disables events (TUBEPANEL_EVENTS_REDIS_ADDR)")
		eventsRedisPass = flag.String("events-redis-password", "", "Redis password for the event stream (TUBEPANEL_EVENTS_REDIS_PASSWORD)")
		eventsStream    = flag.String("events-stream", "", "Redis stream name for events (TUBEPANEL_EVENTS_STREAM)")

		authorizeURL = flag.String("upstream-authorize-url", "", "override the provider consent endpoint (TUBEPANEL_UPSTREAM_AUTHORIZE_URL)")
		tokenURL     = flag.String("upstream-token-url", "", "override the provider token endpoint (TUBEPANEL_UPSTREAM_TOKEN_URL)")
		channelURL   = flag.String("upstream-channel-url", "", "override the provider channel endpoint (TUBEPANEL_UPSTREAM_CHANNEL_URL)")
		uploadURL    = flag.String("upstream-upload-url", "", "override the provider upload endpoint (TUBEPANEL_UPSTREAM_UPLOAD_URL)")

		syncEvery = flag.Duration("sync-interval", 0, "periodic quota sync interval, 0 disables (TUBEPANEL_SYNC_INTERVAL)")
		syncPace  = flag.Duration("sync-pace", 0, "minimum spacing between provider calls during a sync run, default 1s (TUBEPANEL_SYNC_PACE)")
	)
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("TUBEPANEL_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("TUBEPANEL_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("TUBEPANEL_ADDR"), ":8080")
	dir := firstNonEmpty(*dataDir, os.Getenv("TUBEPANEL_DATA_DIR"), "data")

	secretValue := firstNonEmpty(*secret, os.Getenv("TUBEPANEL_SECRET"))
	if secretValue == "" {
		generated, err := auth.GenerateSecret()
		if err != nil {
			logger.Error("failed to generate a secret", "error", err)
			os.Exit(1)
		}
		secretValue = generated
		logger.Warn("no secret configured, generated an ephemeral one; sessions and password hashes will not survive a restart")
	}

	ctx := context.Background()

	usersDoc, accountsDoc, closeDocs, err := openDocuments(ctx, *storageDriver, *postgresDSN, dir)
	if err != nil {
		logger.Error("failed to open document storage", "error", err)
		os.Exit(1)
	}
	defer closeDocs()

	users, err := storage.NewCredentialStore(ctx, usersDoc, secretValue, logging.WithComponent(logger, "credentials"))
	if err != nil {
		logger.Error("failed to load credential store", "error", err)
		os.Exit(1)
	}
	ledger, err := storage.NewLedger(ctx, accountsDoc, logging.WithComponent(logger, "ledger"))
	if err != nil {
		logger.Error("failed to load account ledger", "error", err)
		os.Exit(1)
	}
	mediaStore, err := media.NewStore(filepath.Join(dir, "videos"))
	if err != nil {
		logger.Error("failed to open media store", "error", err)
		os.Exit(1)
	}

	var codecOpts []auth.CodecOption
	if ttl := durationOr(*sessionTTL, "TUBEPANEL_SESSION_TTL", 0); ttl > 0 {
		codecOpts = append(codecOpts, auth.WithTTL(ttl))
	}
	codec := auth.NewCodec(secretValue, codecOpts...)

	queue := buildEventQueue(logger,
		firstNonEmpty(*eventsRedisAddr, os.Getenv("TUBEPANEL_EVENTS_REDIS_ADDR")),
		firstNonEmpty(*eventsRedisPass, os.Getenv("TUBEPANEL_EVENTS_REDIS_PASSWORD")),
		firstNonEmpty(*eventsStream, os.Getenv("TUBEPANEL_EVENTS_STREAM")))
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("failed to close event queue", "error", err)
		}
	}()

	client := upstream.NewHTTPClient(upstream.Endpoints{
		AuthorizeURL: firstNonEmpty(*authorizeURL, os.Getenv("TUBEPANEL_UPSTREAM_AUTHORIZE_URL")),
		TokenURL:     firstNonEmpty(*tokenURL, os.Getenv("TUBEPANEL_UPSTREAM_TOKEN_URL")),
		ChannelURL:   firstNonEmpty(*channelURL, os.Getenv("TUBEPANEL_UPSTREAM_CHANNEL_URL")),
		UploadURL:    firstNonEmpty(*uploadURL, os.Getenv("TUBEPANEL_UPSTREAM_UPLOAD_URL")),
	})

	pace := durationOr(*syncPace, "TUBEPANEL_SYNC_PACE", quota.DefaultInterval)
	synchronizer := quota.NewSynchronizer(ledger, client, pace, logging.WithComponent(logger, "quota"))

	recorder := metrics.Default()
	handler := &api.Handler{
		Users:    users,
		Ledger:   ledger,
		Codec:    codec,
		Upstream: client,
		Sync:     synchronizer,
		Media:    mediaStore,
		Events:   queue,
		States:   upstream.NewMemoryStateStore(),
		Metrics:  recorder,
		Logger:   logging.WithComponent(logger, "api"),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("TUBEPANEL_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("TUBEPANEL_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     floatOr(*globalRPS, "TUBEPANEL_GLOBAL_RPS"),
			GlobalBurst:   intOr(*globalBurst, "TUBEPANEL_GLOBAL_BURST", 0),
			LoginLimit:    intOr(*loginLimit, "TUBEPANEL_LOGIN_LIMIT", 10),
			LoginWindow:   durationOr(*loginWindow, "TUBEPANEL_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("TUBEPANEL_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPass, os.Getenv("TUBEPANEL_RATE_REDIS_PASSWORD")),
		},
		Logger:   logging.WithComponent(logger, "http"),
		AuditLog: logging.WithComponent(logger, "audit"),
		Metrics:  recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	ready := make(chan struct{})
	group.Go(func() error {
		logger.Info("tubepanel listening", "addr", listenAddr)
		return srv.Run(groupCtx, ready)
	})
	if interval := durationOr(*syncEvery, "TUBEPANEL_SYNC_INTERVAL", 0); interval > 0 {
		group.Go(func() error {
			return runPeriodicSync(groupCtx, synchronizer, interval, ready, logging.WithComponent(logger, "quota"))
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// openDocuments resolves the storage driver and returns the two named
// documents plus a close func for any shared resources.
func openDocuments(ctx context.Context, flagDriver, flagDSN, dataDir string) (storage.DocumentStore, storage.DocumentStore, func(), error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("TUBEPANEL_STORAGE_DRIVER"), "json"))
	switch driver {
	case "json":
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		users := storage.NewFileDocument(filepath.Join(dataDir, "users.json"))
		accounts := storage.NewFileDocument(filepath.Join(dataDir, "accounts.json"))
		return users, accounts, func() {}, nil
	case "postgres":
		dsn := firstNonEmpty(flagDSN, os.Getenv("TUBEPANEL_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("postgres driver requires --postgres-dsn, TUBEPANEL_POSTGRES_DSN, or DATABASE_URL")
		}
		users, err := storage.NewPostgresDocument(ctx, dsn, usersDocument)
		if err != nil {
			return nil, nil, nil, err
		}
		accounts, err := storage.NewPostgresDocumentWithPool(ctx, users.Pool(), accountsDocument)
		if err != nil {
			users.Close()
			return nil, nil, nil, err
		}
		return users, accounts, users.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q, expected json or postgres", driver)
	}
}

func buildEventQueue(logger *slog.Logger, addr, password, stream string) events.Queue {
	if addr == "" {
		return events.NoopQueue{}
	}
	queue, err := events.NewRedisQueue(events.RedisQueueConfig{
		Addr:     addr,
		Password: password,
		Stream:   stream,
	})
	if err != nil {
		logger.Warn("event queue unavailable, continuing without events", "error", err)
		return events.NoopQueue{}
	}
	logger.Info("publishing events", "addr", addr)
	return queue
}

// runPeriodicSync refreshes every connected account on a fixed interval. The
// first run waits for the listener so startup failures abort cleanly.
func runPeriodicSync(ctx context.Context, sync *quota.Synchronizer, interval time.Duration, ready <-chan struct{}, logger *slog.Logger) error {
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			results, err := sync.SyncAll(ctx)
			if err != nil {
				logger.Warn("periodic sync interrupted", "error", err)
				continue
			}
			logger.Info("periodic sync completed", "accounts", len(results))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func durationOr(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func intOr(flagValue int, envKey string, fallback int) int {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return fallback
}

func floatOr(flagValue float64, envKey string) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
			return value
		}
	}
	return flagValue
}
