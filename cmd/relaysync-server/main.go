package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/syncapi"
	"github.com/agentworkforce/relaysync/internal/telemetry"
)

type serverOptions struct {
	RemoteDSN     string
	JWTSecret     string
	ResourceDir   string
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

func main() {
	cfg := config.Load()
	addr := flag.String("addr", cfg.Service.Addr, "listen address")
	remoteDSN := flag.String("remote", cfg.Remote.DSN, "backing store DSN (memory://, postgres://, redis://)")
	jwtSecret := flag.String("jwt-secret", cfg.Auth.JWTSecret, "HS256 secret for client tokens")
	resourceDir := flag.String("resource-dir", cfg.Resources.Dir, "directory of avatars and profile images")
	issueFor := flag.String("issue-token", "", "print a token for this user id and exit")
	issueTTL := flag.Duration("issue-ttl", 24*time.Hour, "lifetime of an issued token")
	flag.Parse()

	if strings.TrimSpace(*issueFor) != "" {
		token, err := syncapi.IssueToken(*jwtSecret, strings.TrimSpace(*issueFor), *issueTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger := logging.New(cfg)
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(rootCtx, cfg)
	if err != nil {
		logger.Error("relaysync-server - startup - telemetry failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	dsn, err := backingDSN(*remoteDSN)
	if err != nil {
		logger.Error("relaysync-server - startup - bad backend profile", "error", err)
		os.Exit(1)
	}
	handler, store, err := buildServer(rootCtx, serverOptions{
		RemoteDSN:     dsn,
		JWTSecret:     *jwtSecret,
		ResourceDir:   *resourceDir,
		MaxFrameBytes: int64Env("RELAYSYNC_MAX_FRAME_BYTES", 0),
		WriteTimeout:  durationEnv("RELAYSYNC_WRITE_TIMEOUT", 0),
		Logger:        logger,
	})
	if err != nil {
		logger.Error("relaysync-server - startup - store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYSYNC_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("relaysync-server - shutdown - incomplete", "error", err)
		}
	}()

	logger.Info("relaysync-server - startup - listening", "addr", *addr, "remote", redactDSN(dsn))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("relaysync-server - serve - failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relaysync-server - shutdown - stopped")
}

// buildServer opens the backing store and wraps it in the sync API. A websocket DSN
// is refused: the server must own its data.
func buildServer(ctx context.Context, opts serverOptions) (*syncapi.Server, remote.Store, error) {
	if scheme := dsnScheme(opts.RemoteDSN); scheme == "ws" || scheme == "wss" {
		return nil, nil, fmt.Errorf("%w: the server cannot be backed by another sync server", remote.ErrInvalidInput)
	}
	store, err := remote.Open(ctx, opts.RemoteDSN, remote.WithLogger(opts.Logger))
	if err != nil {
		return nil, nil, err
	}
	server := syncapi.NewServerWithConfig(store, syncapi.ServerConfig{
		JWTSecret:     opts.JWTSecret,
		ResourceDir:   opts.ResourceDir,
		MaxFrameBytes: opts.MaxFrameBytes,
		WriteTimeout:  opts.WriteTimeout,
		Logger:        opts.Logger,
	})
	return server, store, nil
}

// backingDSN resolves RELAYSYNC_BACKEND_PROFILE when no DSN was given explicitly.
func backingDSN(explicit string) (string, error) {
	if dsn := strings.TrimSpace(explicit); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYSYNC_BACKEND_PROFILE")))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("RELAYSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("RELAYSYNC_POSTGRES_DSN is required when RELAYSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "cache":
		dsn := strings.TrimSpace(os.Getenv("RELAYSYNC_REDIS_URL"))
		if dsn == "" {
			return "", fmt.Errorf("RELAYSYNC_REDIS_URL is required when RELAYSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported RELAYSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func dsnScheme(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// redactDSN drops credentials so the DSN can be logged.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("relaysync-server - config - invalid integer, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("relaysync-server - config - invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
