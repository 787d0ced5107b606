/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the inventory ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build logger and Prometheus metrics
  3. Open the store (SQLite or Postgres)
  4. Pick the product locker (Redis when REDIS_ADDR is set)
  5. Pick the event publisher (Kafka when KAFKA_BROKERS is set)
  6. Optionally seed demo products
  7. Start the audit scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides HTTP_ADDR)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database
  -seed    Create the demo products before serving
  -scenario  Comma-separated demo transaction histories to load
             (backdated-purchase, sell-out, same-day)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (HTTP_SHUTDOWN_TIMEOUT)
  3. Stop the audit scheduler
  4. Close publisher, Redis client and store

EXAMPLES:
  # Run with file database
  ./server -db="./data/inventory.db"

  # Run against Postgres with Redis locks
  STORE_DRIVER=postgres PG_DSN=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - ledger/coordinator.go: Write path
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/inventory-ledger/api"
	"github.com/warp/inventory-ledger/config"
	"github.com/warp/inventory-ledger/events"
	"github.com/warp/inventory-ledger/ledger"
	"github.com/warp/inventory-ledger/lock"
	"github.com/warp/inventory-ledger/observability"
	"github.com/warp/inventory-ledger/seed"
	"github.com/warp/inventory-ledger/store/postgres"
	"github.com/warp/inventory-ledger/store/sqlite"
)

// store is what the server needs from either backend.
type store interface {
	ledger.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	addr := flag.String("addr", cfg.HTTPAddr, "HTTP listen address")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	doSeed := flag.Bool("seed", false, "create demo products on startup")
	scenarios := flag.String("scenario", "", "comma-separated demo scenarios to load")
	flag.Parse()
	cfg.HTTPAddr = *addr
	cfg.SQLitePath = *dbPath

	logger, err := observability.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	// Product locks
	var locker ledger.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locker = lock.NewRedis(rdb, lock.WithTTL(cfg.LockTTL), lock.WithLogger(logger.Named("lock")))
		logger.Info("using redis product locks", zap.String("addr", cfg.RedisAddr))
	}

	// Ledger events
	var publisher ledger.Publisher = ledger.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("events"), metrics.EventsPublished)
		defer kp.Close()
		publisher = kp
		logger.Info("publishing ledger events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	coordinator := ledger.NewCoordinator(st, locker,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(metrics),
		ledger.WithPublisher(publisher),
		ledger.WithBackdateWindow(cfg.BackdateWindowDays),
		ledger.WithLockWait(cfg.LockWait),
	)

	if *doSeed {
		if _, err := seed.Products(ctx, coordinator, seed.DefaultProducts, logger.Named("seed")); err != nil {
			return err
		}
	}
	for _, id := range strings.Split(*scenarios, ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if _, err := seed.LoadScenario(ctx, coordinator, id, ledger.Today(), logger.Named("seed")); err != nil {
			return err
		}
	}

	scheduler := api.NewAuditScheduler(coordinator, cfg.AuditInterval, logger, metrics)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(coordinator, st, logger.Named("http"))
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.RequestTimeout,
		Metrics:            metrics,
		Gatherer:           reg,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.PGDSN)
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}
