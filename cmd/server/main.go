package main // Entry point package

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

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticket-inventory/internal/cache"
	"github.com/iliyamo/ticket-inventory/internal/config"
	"github.com/iliyamo/ticket-inventory/internal/database"
	"github.com/iliyamo/ticket-inventory/internal/handler"
	"github.com/iliyamo/ticket-inventory/internal/idgen"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/lock"
	"github.com/iliyamo/ticket-inventory/internal/middleware"
	"github.com/iliyamo/ticket-inventory/internal/obs"
	"github.com/iliyamo/ticket-inventory/internal/queue"
	"github.com/iliyamo/ticket-inventory/internal/repository"
	"github.com/iliyamo/ticket-inventory/internal/router"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	addr := pflag.String("addr", "", "listen address, overrides APP_PORT")
	pflag.Parse()

	// A missing .env is fine; real deployments set the environment directly.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("load env file", "path", *envFile, "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Port = *addr
	}

	log := obs.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := database.Open(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	ids, err := idgen.New(idgen.Options{
		DatacenterID: cfg.IDGen.DatacenterID,
		WorkerID:     cfg.IDGen.WorkerID,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	instance := uuid.NewString()
	log.Info("node identity", "instance", instance, "datacenter", ids.DatacenterID(), "worker", ids.WorkerID())

	locks := lock.NewRedisManager(rdb, lock.RedisOptions{
		RetryInterval: cfg.Lock.RetryInterval,
		DefaultLease:  cfg.Lock.Lease,
		Logger:        log,
	})

	var notifier cache.Notifier
	var consumer *queue.Consumer
	if cfg.RabbitURL != "" {
		pub := queue.NewPublisher(cfg.RabbitURL, cfg.InvalidationExchange, instance, log)
		defer pub.Close()
		notifier = pub
		consumer = queue.NewConsumer(cfg.RabbitURL, cfg.InvalidationExchange, instance, log)
	} else {
		log.Warn("RABBITMQ_URL not set, local caches are not invalidated across instances")
	}

	engine, err := inventory.NewEngine(rdb, repository.NewInventoryRepo(db), inventory.Options{
		Locks:          locks,
		LockWait:       cfg.Lock.Wait,
		LockLease:      cfg.Lock.Lease,
		KeyRetention:   cfg.Inventory.KeyRetention,
		MatchAttempts:  cfg.Inventory.MatchAttempts,
		LocalCacheSize: cfg.Inventory.LocalCacheSize,
		Notifier:       notifier,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	// Background workers are joined before the broker, database and Redis
	// connections close.
	bg, bgCtx := errgroup.WithContext(ctx)
	defer func() {
		stop()
		if err := bg.Wait(); err != nil {
			log.Error("background worker failed", "err", err)
		}
	}()
	if consumer != nil {
		consumer.Register(inventory.CatalogCacheName, engine.Catalog())
		bg.Go(func() error {
			err := consumer.Run(bgCtx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("invalidation consumer: %w", err)
		})
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	router.RegisterRoutes(e, &handler.ReadyHandler{Redis: rdb, DB: db})
	router.RegisterInventory(e,
		handler.NewInventoryHandler(engine, ids, cfg.Inventory.OrderTableCount, log),
		middleware.NewLimiter(cfg.RateLimit, rdb, log),
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr(), "env", cfg.Env)
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
