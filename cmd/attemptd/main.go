package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/attemptd/internal/api"
	"github.com/seantiz/attemptd/internal/config"
	"github.com/seantiz/attemptd/internal/engine"
	"github.com/seantiz/attemptd/internal/notify"
	"github.com/seantiz/attemptd/internal/operator"
	"github.com/seantiz/attemptd/internal/reaper"
	"github.com/seantiz/attemptd/internal/store"
)

// drainTimeout bounds how long shutdown waits for running attempts.
const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("attemptd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"attempt_ttl", cfg.Executor.AttemptTTL.String(),
		"task_ttl", cfg.Executor.TaskTTL.String(),
		"ttl_reaping_interval", cfg.Executor.ReapingInterval.String(),
		"notification_type", cfg.Notification.Type,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, closeTransport := newTransport(ctx, cfg.Notification, logger)
	dispatcher := notify.NewDispatcher(transport, logger.With("component", "notify"))

	ops := operator.NewDefaultRegistry()
	eng := engine.NewEngine(db, ops, logger.With("component", "engine"))

	r := reaper.New(db, dispatcher,
		reaper.Limits{AttemptTTL: cfg.Executor.AttemptTTL, TaskTTL: cfg.Executor.TaskTTL},
		logger.With("component", "reaper"),
		reaper.WithInterval(cfg.Executor.ReapingInterval),
	)
	var reaping sync.WaitGroup
	reaping.Go(func() { r.Run(ctx) })

	srv := api.NewServer(cfg.ListenAddr, db, ops, eng, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		stop()
	}

	// Shutdown order: no new violations, then running attempts, then pending
	// notifications, then the outbox. The store closes last.
	reaping.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := eng.Drain(drainCtx); err != nil {
		logger.Warn("abandoning running attempts", "timeout", drainTimeout.String(), "error", err)
	}
	cancelDrain()

	dispatcher.Wait()
	closeTransport()
	logger.Info("attemptd: stopped")
}

// newTransport builds the notification transport selected by cfg, along with
// a function that releases it. A Redis queue gets a deliverer goroutine that
// keeps running until the release function is called, so notifications
// enqueued during shutdown are still drained.
func newTransport(ctx context.Context, cfg config.NotificationConfig, logger *slog.Logger) (notify.Transport, func()) {
	if cfg.Type == config.NotificationNone {
		logger.Info("notifications disabled")
		return notify.NopTransport{}, func() {}
	}

	httpTransport := notify.NewHTTPTransport(notify.HTTPConfig{
		URL:        cfg.URL,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RateLimit:  cfg.RateLimit,
	})
	if cfg.Queue != config.QueueRedis {
		return httpTransport, func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis at %s: %v", cfg.RedisAddr, err)
	}
	queue := notify.NewRedisQueue(client, cfg.RedisKey)
	deliverer := notify.NewDeliverer(queue, httpTransport, logger.With("component", "deliverer"))

	deliverCtx, cancelDeliver := context.WithCancel(context.WithoutCancel(ctx))
	var delivering sync.WaitGroup
	delivering.Go(func() { deliverer.Run(deliverCtx) })

	logger.Info("notifications queued through redis", "addr", cfg.RedisAddr, "key", cfg.RedisKey)
	return notify.NewQueueTransport(queue), func() {
		cancelDeliver()
		delivering.Wait()
		if err := client.Close(); err != nil {
			logger.Warn("close redis client", "error", err)
		}
	}
}
