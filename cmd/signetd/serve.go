package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signetworks/signet/pkg/audit"
	"github.com/signetworks/signet/pkg/auth"
	"github.com/signetworks/signet/pkg/config"
	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/idempotency"
	"github.com/signetworks/signet/pkg/ident"
	"github.com/signetworks/signet/pkg/outbox"
	"github.com/signetworks/signet/pkg/ratelimit"
	"github.com/signetworks/signet/pkg/store"
	"github.com/signetworks/signet/pkg/workflow"

	_ "github.com/lib/pq" // Postgres Driver
)

// backends bundles the persistence interfaces for one database.
type backends struct {
	workflow    store.WorkflowStore
	audit       store.AuditStore
	outbox      store.OutboxStore
	idempotency store.IdempotencyStore
	close       func() error
}

// openBackends selects the backend from the URL scheme: postgres:// uses a
// shared server, anything else is treated as a SQLite path.
func openBackends(databaseURL string) (*backends, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		wf := store.NewPostgresWorkflowStore(db)
		return &backends{
			workflow:    wf,
			audit:       wf,
			outbox:      store.NewPostgresOutboxStore(db),
			idempotency: store.NewPostgresIdempotencyStore(db),
			close:       db.Close,
		}, nil
	}

	path := strings.TrimPrefix(databaseURL, "sqlite://")
	s, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return &backends{workflow: s, audit: s, outbox: s, idempotency: s, close: s.Close}, nil
}

func runServer() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		logger.Warn("workflow profile not found, using defaults",
			"profile", cfg.Profile, "error", err)
		profile = config.DefaultProfile()
	}

	b, err := openBackends(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "error", err)
		return 1
	}
	defer func() { _ = b.close() }()

	clock := ident.SystemClock{}
	ids := ident.UUIDGenerator{}

	ob, err := outbox.New(b.outbox, clock, ids)
	if err != nil {
		logger.Error("initialize outbox", "error", err)
		return 1
	}
	ledger := audit.NewLedger(b.audit, clock, ids)

	var tokens auth.TokenVerifier
	if cfg.SigningKey != "" {
		tokens = auth.NewJWTVerifier([]byte(cfg.SigningKey))
	} else {
		logger.Warn("SESSION_SIGNING_KEY unset, session token checks disabled")
	}

	engine := workflow.NewEngine(workflow.Deps{
		Store:      b.workflow,
		Ledger:     ledger,
		Outbox:     ob,
		Guard:      idempotency.NewGuard(b.idempotency, clock),
		OTPLimiter: newLimiter(cfg.RedisURL, clock, profile, logger),
		Tokens:     tokens,
		Clock:      clock,
		IDs:        ids,
		Logger:     logger,
	}, workflow.Config{
		IdempotencyTTL: profile.IdempotencyTTL(),
		OTPTTL:         profile.OTPTTL(),
		OTPMaxTries:    profile.OTP.MaxTries,
		RequireConsent: profile.Signing.RequireConsent,
		RequireOTP:     profile.Signing.RequireOTP,
	})

	dispatcher := outbox.NewDispatcher(ob, loggingSink(logger),
		profile.DispatchInterval(), profile.Dispatcher.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newMux(engine, ledger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("signetd listening",
		"port", cfg.Port, "profile", profile.Name, "database", cfg.DatabaseURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("signetd stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newLimiter builds the OTP request limiter from the profile windows. With a
// Redis URL the quota is shared across nodes; otherwise it is per-process.
func newLimiter(redisURL string, clock ident.Clock, p *config.WorkflowProfile, logger *slog.Logger) ratelimit.Limiter {
	windows := []ratelimit.Window{
		{Name: "minute", Limit: p.OTP.RequestsPerMinute, Period: time.Minute},
		{Name: "day", Limit: p.OTP.RequestsPerDay, Period: 24 * time.Hour},
	}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err == nil {
			return ratelimit.NewRedisLimiter(redis.NewClient(opts), clock, windows...)
		}
		logger.Warn("invalid REDIS_URL, falling back to in-process limiter", "error", err)
	}
	return ratelimit.NewFixedWindowLimiter(clock, windows...)
}

// loggingSink is the default delivery integration: it logs each event.
// Deployments plug webhook or email senders in here.
func loggingSink(logger *slog.Logger) outbox.Sink {
	return outbox.SinkFunc(func(ctx context.Context, rec *contracts.OutboxRecord) error {
		logger.InfoContext(ctx, "event delivered",
			"event_id", rec.ID, "event_type", rec.EventType, "trace_id", rec.TraceID)
		return nil
	})
}
