package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatwithit/internal/ratelimit"
	"chatwithit/internal/usertoken"
	"chatwithit/internal/util"
	"chatwithit/pkg/feed"
	"chatwithit/pkg/functions"
	"chatwithit/pkg/storage"
	"chatwithit/services/desk/internal/app"
	"chatwithit/services/desk/internal/config"
	"chatwithit/services/desk/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		fatal("failed to parse jwt leeway", err)
	}
	functionsTimeout, err := config.ParseDuration("functionsTimeout", cfg.FunctionsTimeout)
	if err != nil {
		fatal("failed to parse functions timeout", err)
	}
	pollInterval, err := config.ParseDuration("pollInterval", cfg.PollInterval)
	if err != nil {
		fatal("failed to parse poll interval", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		ProjectID:  cfg.ProjectID,
		JWKSURL:    cfg.JWKSURL,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		fatal("failed to init jwks verifier", err)
	}

	pushFeed, err := feed.NewRedisFeed(feed.RedisFeedConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.FeedPrefix,
	})
	if err != nil {
		fatal("failed to connect push feed", err)
	}
	defer func() { _ = pushFeed.Close() }()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = pushFeed.Ping(pingCtx)
	cancelPing()
	if err != nil {
		fatal("push feed unreachable", err)
	}

	store, err := newBlobStore(context.Background(), cfg)
	if err != nil {
		fatal("failed to init blob store", err)
	}

	appCore, err := app.New(app.Config{
		Verifier: verifier,
		Feed:     pushFeed,
		Store:    store,
		NewBackend: func(idToken string) (app.Backend, error) {
			return functions.NewClient(functions.Config{
				BaseURL: cfg.FunctionsBaseURL,
				Token:   functions.StaticToken(idToken),
				Timeout: functionsTimeout,
			})
		},
		PollInterval: pollInterval,
	})
	if err != nil {
		fatal("failed to init app", err)
	}
	defer appCore.Dispose()

	if cfg.IDToken != "" {
		if identity, err := appCore.Init(context.Background(), cfg.IDToken); err != nil {
			logger.Warn("configured id token rejected, waiting for sign-in", "err", err)
		} else {
			logger.Info("signed in from config", "user_id", identity.UserID)
		}
	}

	rateWindow, err := config.ParseDuration("rateWindow", cfg.RateWindow)
	if err != nil {
		fatal("failed to parse rate window", err)
	}
	serverCfg := server.Config{App: appCore, CORSOrigins: cfg.CORSOrigins}
	if cfg.AuthRateLimit > 0 {
		authLimiter, err := newLimiter(cfg, "auth", cfg.AuthRateLimit, rateWindow)
		if err != nil {
			fatal("failed to init auth limiter", err)
		}
		defer func() { _ = authLimiter.Close() }()
		serverCfg.AuthLimiter = authLimiter
	}
	if cfg.ChatRateLimit > 0 {
		chatLimiter, err := newLimiter(cfg, "chat", cfg.ChatRateLimit, rateWindow)
		if err != nil {
			fatal("failed to init chat limiter", err)
		}
		defer func() { _ = chatLimiter.Close() }()
		serverCfg.ChatLimiter = chatLimiter
	}
	httpServer := server.New(serverCfg)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("desk server listening", "addr", addr, "blob_driver", cfg.BlobDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newBlobStore(ctx context.Context, cfg config.FileConfig) (storage.BlobStore, error) {
	switch cfg.BlobDriver {
	case config.BlobS3:
		return storage.NewS3Store(ctx, storage.S3Config{
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	case config.BlobMemory:
		return storage.NewMemoryStore(nil), nil
	default:
		return storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
}

func newLimiter(cfg config.FileConfig, name string, limit int, window time.Duration) (*ratelimit.FixedWindow, error) {
	return ratelimit.New(ratelimit.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   "chatwithit:desk:ratelimit:" + name,
		Limit:    limit,
		Window:   window,
	})
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
