package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"girder/internal/anchor"
	"girder/internal/command"
	"girder/internal/export"
	"girder/internal/idempotency"
	"girder/internal/ledger"
	"girder/internal/platform/config"
	"girder/internal/platform/httpserver"
	"girder/internal/platform/logger"
	"girder/internal/platform/metrics"
	platformredis "girder/internal/platform/redis"
	"girder/internal/projection"
	"girder/internal/signal"
	httptransport "girder/internal/transport/http"
	"girder/internal/verify"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal packages; nothing below does more than plumbing.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signalContext()
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("database open failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}

	cache, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connect failed", "error", err.Error())
		os.Exit(1)
	}
	if cache != nil {
		defer cache.Close()
	}

	m := metrics.New()

	ledgerStore := ledger.NewPostgres(db)
	idemStore := idempotency.NewPostgres(db, cfg.IdempotencyTTL)
	exportStore := export.NewPostgres(db)
	rootStore := anchor.NewPostgres(db)

	limiter := signal.NewRateLimiter(cache, cfg.Kafka.SignalsPerMinute, log)
	publisher, err := signal.NewPublisher(ctx, cfg.Kafka, limiter,
		signal.WithLogger(log), signal.WithMetrics(m))
	if err != nil {
		log.Error("kafka connect failed", "error", err.Error())
		os.Exit(1)
	}
	defer publisher.Close()

	projections, err := projection.NewService(ledgerStore, cache, cfg.ProjectionTTL,
		projection.WithLogger(log), projection.WithMetrics(m))
	if err != nil {
		log.Error("projection wiring failed", "error", err.Error())
		os.Exit(1)
	}

	runnerOpts := []command.Option{
		command.WithLogger(log),
		command.WithMetrics(m),
		command.WithInvalidator(projections),
	}
	if publisher != nil {
		runnerOpts = append(runnerOpts, command.WithSignaler(publisher))
	}
	runner, err := command.NewRunner(ledgerStore, command.NewSQLTxRunner(db), runnerOpts...)
	if err != nil {
		log.Error("command runner wiring failed", "error", err.Error())
		os.Exit(1)
	}

	builder, err := export.NewLedgerPackBuilder(ledgerStore)
	if err != nil {
		log.Error("pack builder wiring failed", "error", err.Error())
		os.Exit(1)
	}
	coordinator, err := export.NewCoordinator(exportStore, ledgerStore, builder, cfg.Export, cfg.CanonicalSalt,
		export.WithLogger(log), export.WithMetrics(m))
	if err != nil {
		log.Error("export coordinator wiring failed", "error", err.Error())
		os.Exit(1)
	}
	sweeper, err := export.NewSweeper(exportStore, ledgerStore, cfg.Export,
		export.WithSweeperLogger(log), export.WithSweeperMetrics(m))
	if err != nil {
		log.Error("export sweeper wiring failed", "error", err.Error())
		os.Exit(1)
	}
	anchorWorker, err := anchor.NewWorker(ledgerStore, rootStore, cfg.AnchorInterval, log)
	if err != nil {
		log.Error("anchor worker wiring failed", "error", err.Error())
		os.Exit(1)
	}

	exportService, err := export.NewService(exportStore, runner)
	if err != nil {
		log.Error("export service wiring failed", "error", err.Error())
		os.Exit(1)
	}
	verifyService, err := verify.NewService(exportStore, rootStore, cfg.CanonicalSalt,
		verify.WithLogger(log), verify.WithMetrics(m))
	if err != nil {
		log.Error("verify service wiring failed", "error", err.Error())
		os.Exit(1)
	}

	router := httptransport.NewRouter(db, cache,
		export.NewHandler(exportService, idemStore, cfg.IdempotencyTTL, log, m),
		verify.NewHandler(verifyService, log, m),
		projection.NewHandler(projections, log, m),
	)

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return anchorWorker.Run(ctx) })
	g.Go(func() error {
		// Expired idempotency rows are inert either way; this just keeps the
		// table from growing without bound.
		return cleanupIdempotency(ctx, idemStore, log)
	})
	g.Go(func() error {
		log.Info("girder listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", "error", err.Error())
		os.Exit(1)
	}
	log.Info("girder stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cleanupIdempotency(ctx context.Context, store idempotency.Store, log *slog.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := store.Cleanup(ctx, time.Now().UTC()); err != nil {
				log.WarnContext(ctx, "idempotency cleanup failed", "error", err.Error())
			}
		}
	}
}
