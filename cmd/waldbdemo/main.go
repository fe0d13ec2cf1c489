// Command waldbdemo exercises a DatabasePool end to end: it opens a WAL
// database, runs a handful of writes and concurrent reads, then serves
// pool/snapshot stats over HTTP until signaled to stop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"waldb"
	"waldb/logging"
	"waldb/statusapi"
)

func main() {
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	loadEnvironment()
	cfg := waldb.LoadConfigFromEnv()
	cfg.DefaultTransactionKind = waldb.TransactionDeferred
	cfg.BusyMode = waldb.BusyTimeout(5 * time.Second)

	logger := initializeLogging()

	pool, err := waldb.OpenPool(appCtx, cfg)
	if err != nil {
		logger.Error("failed to open database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := demoWorkload(appCtx, pool, logger); err != nil {
		logger.Error("demo workload failed", "error", err)
	}

	addr := getEnv("WALDB_HTTP_ADDR", ":8080")
	router, err := statusapi.NewRouter(pool, os.Getenv("WALDB_HTTP_LOG_PATH"), logger)
	if err != nil {
		logger.Error("failed to build status router", "error", err)
		os.Exit(1)
	}
	startServer(router, addr, logger, appCancel)
}

func loadEnvironment() {
	if err := godotenv.Load(); err != nil {
		println("No .env file found, using environment variables")
	} else {
		println("Loaded configuration from .env file")
	}
}

func initializeLogging() *logging.Logger {
	logger := logging.NewLogger(logging.DefaultConfig())
	logging.SetDefault(logger)
	logger.Info("waldbdemo starting")
	return logger
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// demoWorkload exercises the end-to-end scenarios a DatabasePool is built
// for: a write, a read observing it, and a concurrentRead observing the
// pre-commit state.
func demoWorkload(ctx context.Context, pool *waldb.DatabasePool, logger *logging.Logger) error {
	if err := pool.Write(ctx, func(ctx context.Context, conn waldb.Connection) error {
		_, err := conn.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS demo (id INTEGER PRIMARY KEY, v TEXT)")
		return err
	}); err != nil {
		return err
	}

	if err := pool.Write(ctx, func(ctx context.Context, conn waldb.Connection) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO demo(v) VALUES (?)", "hello")

		if readErr := pool.ConcurrentRead(ctx, func(ctx context.Context, conn waldb.Connection) error {
			var count int
			if scanErr := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM demo").Scan(&count); scanErr != nil {
				return scanErr
			}
			logger.Database("concurrent read observed pre-commit count", "count", count)
			return nil
		}); readErr != nil {
			logger.Warn("concurrent read failed", "error", readErr)
		}

		return err
	}); err != nil {
		return err
	}

	if err := pool.Read(ctx, func(ctx context.Context, conn waldb.Connection) error {
		var count int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM demo").Scan(&count); err != nil {
			return err
		}
		logger.Database("post-commit read", "count", count)
		return nil
	}); err != nil {
		return err
	}

	return fanOutReads(ctx, pool, logger)
}

// fanOutReads issues several reads against the pool concurrently, exercising
// the bounded reader pool's ability to actually serve them in parallel
// rather than serializing them behind the writer.
func fanOutReads(ctx context.Context, pool *waldb.DatabasePool, logger *logging.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			return pool.Read(gctx, func(ctx context.Context, conn waldb.Connection) error {
				var count int
				if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM demo").Scan(&count); err != nil {
					return err
				}
				logger.Database("fan-out read", "count", count)
				return nil
			})
		})
	}
	return g.Wait()
}

func startServer(router http.Handler, addr string, logger *logging.Logger, appCancel context.CancelFunc) {
	server := &http.Server{Addr: addr, Handler: router}

	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sig
		logger.Info("shutdown signal received")
		appCancel()

		shutdownCtx, cancel := context.WithTimeout(serverCtx, 30*time.Second)
		defer cancel()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				logger.Error("graceful shutdown timed out, forcing exit")
				os.Exit(1)
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
			os.Exit(1)
		}
		serverStopCtx()
	}()

	logger.Info("status server starting", "address", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-serverCtx.Done()
	logger.Info("status server stopped")
}
