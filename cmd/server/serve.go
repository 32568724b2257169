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

	"github.com/kiranshivaraju/jobgate/internal/api"
	"github.com/kiranshivaraju/jobgate/internal/api/handler"
	mw "github.com/kiranshivaraju/jobgate/internal/api/middleware"
	"github.com/kiranshivaraju/jobgate/internal/api/response"
	"github.com/kiranshivaraju/jobgate/internal/cache"
	"github.com/kiranshivaraju/jobgate/internal/callback"
	"github.com/kiranshivaraju/jobgate/internal/config"
	"github.com/kiranshivaraju/jobgate/internal/correlator"
	"github.com/kiranshivaraju/jobgate/internal/dispatch"
	"github.com/kiranshivaraju/jobgate/internal/metrics"
	"github.com/kiranshivaraju/jobgate/internal/notify"
	"github.com/kiranshivaraju/jobgate/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// writeSlack covers request read, store writes and response encoding on top
// of the time a submission may legitimately block.
const writeSlack = 15 * time.Second

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Connect to Redis: pub/sub, rate limiting, and the default job store
	rdb, err := cache.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	slog.Info("redis connected")

	// 2. Job store
	var (
		jobs   store.JobStore
		purges purger
	)
	switch cfg.Jobs.Backend {
	case "postgres":
		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		pg := store.NewPostgresStore(pool, cfg.Jobs.RetentionTTL)
		jobs, purges = pg, pg
	default:
		jobs = store.NewRedisStore(rdb, cfg.Jobs.RetentionTTL)
	}

	// 3. Completion bus and metrics
	bus := notify.NewRedisBus(rdb)
	defer bus.Close()
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	// 4. Dispatch pipeline
	secret := []byte(cfg.Callback.SigningSecret)
	pipeline := dispatch.New(
		dispatch.NewHTTPClient(cfg.Executor.BaseURL, cfg.Executor.StartPath, cfg.Executor.APIKey, secret),
		dispatch.Config{
			AttemptTimeout:   cfg.Executor.AttemptTimeout,
			MaxRetries:       cfg.Executor.MaxRetries,
			BackoffInitial:   cfg.Executor.BackoffInitial,
			BackoffMax:       cfg.Executor.BackoffMax,
			BackoffJitter:    cfg.Executor.BackoffJitter,
			BreakerThreshold: cfg.Executor.BreakerThreshold,
			BreakerCooldown:  cfg.Executor.BreakerCooldown,
			OnBreakerChange: func(from, to gobreaker.State) {
				slog.Warn("executor circuit breaker changed state", "from", from.String(), "to", to.String())
				collector.SetBreakerState(int(to))
			},
		},
	)

	// 5. Correlator and callback gate
	corr := correlator.New(jobs, bus, pipeline, collector, correlator.Config{
		WaitTimeout:   cfg.Jobs.WaitTimeout,
		PublicBaseURL: cfg.Callback.PublicBaseURL,
	})
	gate := callback.NewGate(jobs, bus, secret, collector)

	// 6. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		RateLimit:       mw.NewRateLimit(cache.NewRedisCounter(rdb), cfg.RateLimit.RequestsPerMinute),
		TrustProxy:      cfg.RateLimit.TrustProxy,
		HealthHandler:   healthHandler(jobs, bus),
		SubmitHandler:   handler.NewSubmitJobHandler(corr),
		GetJobHandler:   handler.NewGetJobHandler(jobs),
		CallbackHandler: handler.NewCallbackHandler(gate),
		MetricsHandler:  collector.Handler(),
	})

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if purges != nil {
		g.Go(func() error {
			purgeLoop(gctx, purges, cfg.Jobs.PurgeInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Fault outstanding waits first so blocked submissions answer 503
		// instead of holding the listener open.
		if err := corr.Shutdown(shutdownCtx); err != nil {
			slog.Warn("correlator drain incomplete", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// writeTimeout is the longest a submission can take: the whole dispatch
// pipeline in the worst case, then the full wait.
func writeTimeout(cfg *config.Config) time.Duration {
	e := cfg.Executor
	attempts := time.Duration(e.MaxRetries + 1)
	return e.AttemptTimeout*attempts + e.BackoffMax*time.Duration(e.MaxRetries) + cfg.Jobs.WaitTimeout + writeSlack
}

// purgeLoop deletes expired job rows on every tick until ctx ends.
func purgeLoop(ctx context.Context, p purger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.WarnContext(ctx, "purge expired jobs failed", "error", err)
				}
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "purged expired jobs", "count", n)
			}
		}
	}
}

// healthHandler checks job store and completion bus connectivity.
func healthHandler(s, b pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store": "ok",
			"bus":   "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if err := b.Ping(r.Context()); err != nil {
			checks["bus"] = "degraded"
		}

		degraded := checks["store"] != "ok" || checks["bus"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
