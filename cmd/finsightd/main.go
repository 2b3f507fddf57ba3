// Command finsightd runs the Finsight analysis server: the pipeline
// engine over a configured store, plus the HTTP/WebSocket API.
//
// Configuration is via environment variables:
//
//	FINSIGHT_ADDR            listen address (default ":8080")
//	FINSIGHT_STORE_DSN       postgres://..., redis://..., a sqlite file
//	                         path, or "memory" (default)
//	FINSIGHT_STAGE_BASE_URL  base URL for stage executors; each stage
//	                         posts to <base>/stages/<stage>
//	FINSIGHT_STAGE_<NAME>_URL  per-stage override (VERIFYING, ANALYZING,
//	                         RISK_ASSESSING, RECOMMENDING)
//	FINSIGHT_TOKENS          comma-separated API tokens; empty means
//	                         anonymous access
//	FINSIGHT_CONCURRENCY     worker pool size
//	FINSIGHT_MAX_ATTEMPTS    retry budget per stage
//	FINSIGHT_STAGE_TIMEOUT   per-stage deadline (e.g. "2m")
//	FINSIGHT_RATE_LIMIT      submissions per principal per window
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/api"
	"github.com/finsight/finsight/engine"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
	"github.com/finsight/finsight/stage"
	"github.com/finsight/finsight/store"
	"github.com/finsight/finsight/store/memory"
	"github.com/finsight/finsight/store/postgres"
	redisstore "github.com/finsight/finsight/store/redis"
	"github.com/finsight/finsight/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("finsightd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := configFromEnv()

	st, err := buildStore(ctx, os.Getenv("FINSIGHT_STORE_DSN"), logger)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	stageOpts, err := stageBindings(logger)
	if err != nil {
		return err
	}
	opts = append(opts, stageOpts...)

	eng, err := engine.Build(st, cfg, opts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	handler := api.New(eng, api.WithAuthenticator(authFromEnv()), api.WithLogger(logger)).Handler()
	addr := envOr("FINSIGHT_ADDR", ":8080")
	srv := api.NewServer(addr, handler,
		api.WithServerLogger(logger),
		api.WithShutdownTimeout(cfg.ShutdownTimeout),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return eng.Stop(stopCtx)
	})

	logger.Info("finsightd started", slog.String("addr", addr))
	return g.Wait()
}

// buildStore selects the store backend from the DSN scheme.
func buildStore(ctx context.Context, dsn string, logger *slog.Logger) (store.Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		logger.Info("using in-memory store")
		return memory.New(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		logger.Info("using postgres store")
		return postgres.New(ctx, dsn, postgres.WithLogger(logger))
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		logger.Info("using redis store")
		redisOpts, err := goredis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis DSN: %w", err)
		}
		client := goredis.NewClient(redisOpts)
		return redisstore.New(client, redisstore.WithLogger(logger)), nil
	default:
		logger.Info("using sqlite store", slog.String("path", dsn))
		return sqlite.Open(dsn, sqlite.WithLogger(logger))
	}
}

// stageBindings builds HTTP stage executors from the environment.
func stageBindings(logger *slog.Logger) ([]engine.Option, error) {
	base := os.Getenv("FINSIGHT_STAGE_BASE_URL")

	var opts []engine.Option
	for _, s := range job.Pipeline() {
		envKey := "FINSIGHT_STAGE_" + strings.ToUpper(string(s)) + "_URL"
		stageURL := os.Getenv(envKey)
		if stageURL == "" && base != "" {
			stageURL = strings.TrimRight(base, "/") + "/stages/" + string(s)
		}
		if stageURL == "" {
			return nil, fmt.Errorf("no executor for stage %q: set %s or FINSIGHT_STAGE_BASE_URL", s, envKey)
		}
		opts = append(opts, engine.WithStage(s, stage.NewHTTPExecutor(stageURL,
			stage.WithHTTPLogger(logger),
		)))
	}
	return opts, nil
}

// authFromEnv builds the API authenticator. Each configured token gets
// its own principal, so rate limits apply per token.
func authFromEnv() api.Authenticator {
	raw := os.Getenv("FINSIGHT_TOKENS")
	if raw == "" {
		return api.NewAnonymousAuthenticator()
	}
	var entries []api.TokenEntry
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		entries = append(entries, api.TokenEntry{Token: token, Principal: id.NewPrincipalID()})
	}
	return api.NewTokenAuthenticator(entries...)
}

func configFromEnv() finsight.Config {
	cfg := finsight.DefaultConfig()
	if v, ok := envInt("FINSIGHT_CONCURRENCY"); ok {
		cfg.Concurrency = v
	}
	if v, ok := envInt("FINSIGHT_MAX_ATTEMPTS"); ok {
		cfg.MaxAttempts = v
	}
	if v, ok := envInt("FINSIGHT_RATE_LIMIT"); ok {
		cfg.RateLimit = v
	}
	if v, ok := envDuration("FINSIGHT_STAGE_TIMEOUT"); ok {
		cfg.StageTimeout = v
	}
	if v, ok := envDuration("FINSIGHT_POLL_INTERVAL"); ok {
		cfg.PollInterval = v
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env value ignored", slog.String("key", key), slog.String("value", v))
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env value ignored", slog.String("key", key), slog.String("value", v))
		return 0, false
	}
	return d, true
}
