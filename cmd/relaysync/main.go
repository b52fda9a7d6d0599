package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/chatsync"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/loader"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/model"
	"github.com/agentworkforce/relaysync/internal/observe"
	"github.com/agentworkforce/relaysync/internal/owner"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/syncstore"
	"github.com/agentworkforce/relaysync/internal/telemetry"
)

var errConnectionLost = errors.New("remote connection lost")

type daemonOptions struct {
	RemoteDSN   string
	Token       string
	UserID      string
	ResourceURL string
	ResourceDir string
	SearchDelay time.Duration
	CacheTTL    time.Duration
	CacheSize   int
	Timeout     time.Duration
	Logger      *slog.Logger
	// ready, when set, is called once the session has started.
	ready func(*chatsync.Session)
}

func main() {
	cfg := config.Load()
	remoteDSN := flag.String("remote", cfg.Remote.DSN, "remote store DSN (memory://, postgres://, redis://, ws://)")
	token := flag.String("token", cfg.Auth.Token, "bearer token")
	jwtSecret := flag.String("jwt-secret", cfg.Auth.JWTSecret, "verify the token with this secret")
	userID := flag.String("user", envOrDefault("RELAYSYNC_USER", ""), "user id; defaults to the token subject")
	resourceURL := flag.String("resource-url", cfg.Resources.URL, "sync server base URL for images")
	resourceDir := flag.String("resource-dir", cfg.Resources.Dir, "local directory of images")
	timeout := flag.Duration("timeout", durationEnv("RELAYSYNC_TIMEOUT", 15*time.Second), "set-up and fetch timeout")
	restartMin := flag.Duration("restart-min", durationEnv("RELAYSYNC_RESTART_MIN", time.Second), "first restart delay")
	restartMax := flag.Duration("restart-max", durationEnv("RELAYSYNC_RESTART_MAX", time.Minute), "largest restart delay")
	restartJitter := flag.Float64("restart-jitter", floatEnv("RELAYSYNC_RESTART_JITTER", 0.2), "restart delay jitter ratio (0.0-1.0)")
	flag.Parse()

	logger := logging.New(cfg)
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(rootCtx, cfg)
	if err != nil {
		logger.Error("relaysync - startup - telemetry failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	uid, err := resolveUser(*userID, *token, *jwtSecret)
	if err != nil {
		logger.Error("relaysync - startup - no user", "error", err)
		os.Exit(1)
	}
	opts := daemonOptions{
		RemoteDSN:   *remoteDSN,
		Token:       *token,
		UserID:      uid,
		ResourceURL: *resourceURL,
		ResourceDir: *resourceDir,
		SearchDelay: cfg.Search.Delay,
		CacheTTL:    cfg.Resources.CacheTTL,
		CacheSize:   cfg.Resources.CacheSize,
		Timeout:     *timeout,
		Logger:      logger,
	}
	*restartJitter = clampJitterRatio(*restartJitter)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		started := time.Now()
		err := runSession(rootCtx, opts)
		if rootCtx.Err() != nil {
			logger.Info("relaysync - shutdown - stopping", "reason", rootCtx.Err())
			return
		}
		if time.Since(started) > *restartMax {
			attempt = 0
		}
		delay := jitteredIntervalWithSample(restartDelay(attempt, *restartMin, *restartMax), *restartJitter, rng.Float64())
		attempt++
		logger.Warn("relaysync - session - restarting", "error", err, "attempt", attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-rootCtx.Done():
			timer.Stop()
			logger.Info("relaysync - shutdown - stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
		}
	}
}

// resolveUser prefers an explicit user id and falls back to the token subject.
func resolveUser(userID, token, jwtSecret string) (string, error) {
	if userID = strings.TrimSpace(userID); userID != "" {
		return userID, model.ValidateID("user", userID)
	}
	var secret []byte
	if s := strings.TrimSpace(jwtSecret); s != "" {
		secret = []byte(s)
	}
	return chatsync.IdentityFromToken(token, secret)
}

// runSession mirrors the user's data until ctx ends or the remote connection drops.
// It returns nil only when ctx ends.
func runSession(ctx context.Context, opts daemonOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	setupCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	store, err := remote.Open(setupCtx, opts.RemoteDSN, remote.WithLogger(logger), remote.WithToken(opts.Token))
	cancel()
	if err != nil {
		return err
	}
	defer store.Close()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loop := owner.NewLoop()
	go loop.Run(loopCtx)

	fetcher, watchDir := buildFetcher(opts, logger)
	sessionOpts := []chatsync.Option{
		chatsync.WithExecutor(loop),
		chatsync.WithLogger(logger),
		chatsync.WithSearchDelay(opts.SearchDelay),
	}
	if opts.CacheTTL > 0 {
		sessionOpts = append(sessionOpts, chatsync.WithLoaderOptions(loader.WithCache(opts.CacheTTL, uint64(max(opts.CacheSize, 0)))))
	}
	session := chatsync.New(store, fetcher, sessionOpts...)
	defer session.Close()

	if watchDir != nil {
		if err := watchDir.Watch(loopCtx, session.InvalidateResource); err != nil {
			logger.Warn("relaysync - session - resource watch failed", "dir", watchDir.Root(), "error", err)
		}
	}

	chats := &changeLogger[model.Chat]{logger: logger, collection: "chats"}
	contacts := &changeLogger[model.Contact]{logger: logger, collection: "contacts"}
	jobs := &changeLogger[model.TranscriptionJob]{logger: logger, collection: "transcriptions"}
	profiles := &changeLogger[model.Profile]{logger: logger, collection: "profiles"}
	observe.Bind(loopCtx, session.Chats().Registry(), chats)
	observe.Bind(loopCtx, session.Contacts().Registry(), contacts)
	observe.Bind(loopCtx, session.Transcriptions().Registry(), jobs)
	observe.Bind(loopCtx, session.Profiles().Registry(), profiles)
	defer runtime.KeepAlive(chats)
	defer runtime.KeepAlive(contacts)
	defer runtime.KeepAlive(jobs)
	defer runtime.KeepAlive(profiles)

	setupCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	err = session.Start(setupCtx, opts.UserID)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("relaysync - session - listening", "user", opts.UserID)
	// Collections are read on the owner loop once every snapshot has landed.
	setupCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	err = session.WaitSynced(setupCtx)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("wait for snapshots: %w", err)
	}
	err = owner.Call(setupCtx, loop, func() {
		logger.Info("relaysync - session - snapshot applied",
			"chats", session.Chats().Len(),
			"contacts", session.Contacts().Len(),
			"transcriptions", session.Transcriptions().Len(),
			"profiles", session.Profiles().Len(),
		)
	})
	cancel()
	if err != nil && ctx.Err() == nil {
		return err
	}
	if opts.ready != nil {
		opts.ready(session)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-connectionLost(store):
		if conn, ok := store.(interface{ Err() error }); ok && conn.Err() != nil {
			return errors.Join(errConnectionLost, conn.Err())
		}
		return errConnectionLost
	}
}

// connectionLost is closed when a connected store stops; nil blocks forever.
func connectionLost(store remote.Store) <-chan struct{} {
	if conn, ok := store.(interface{ Done() <-chan struct{} }); ok {
		return conn.Done()
	}
	return nil
}

func buildFetcher(opts daemonOptions, logger *slog.Logger) (loader.Fetcher, *loader.DirFetcher) {
	if dir := strings.TrimSpace(opts.ResourceDir); dir != "" {
		fetcher := loader.NewDirFetcher(dir, logger)
		return fetcher, fetcher
	}
	return loader.NewHTTPFetcher(opts.ResourceURL, opts.Token, &http.Client{Timeout: opts.Timeout}), nil
}

// changeLogger logs every applied change of one collection.
type changeLogger[T any] struct {
	logger     *slog.Logger
	collection string
}

func (c *changeLogger[T]) Observe(change syncstore.Change[T]) {
	c.logger.Info("relaysync - change - "+string(change.Kind), "collection", c.collection, "id", change.ID, "seq", change.Seq)
}

// restartDelay doubles from floor for each failed attempt, capped at ceiling.
func restartDelay(attempt int, floor, ceiling time.Duration) time.Duration {
	if floor <= 0 {
		floor = time.Second
	}
	if ceiling < floor {
		ceiling = floor
	}
	delay := floor
	for i := 0; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	return min(delay, ceiling)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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
		slog.Warn("relaysync - config - invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("relaysync - config - invalid float, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
