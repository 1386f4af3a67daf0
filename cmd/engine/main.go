package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fjod/rfid-cart/internal/auth"
	"github.com/fjod/rfid-cart/internal/binding"
	"github.com/fjod/rfid-cart/internal/cart"
	"github.com/fjod/rfid-cart/internal/catalog"
	"github.com/fjod/rfid-cart/internal/config"
	"github.com/fjod/rfid-cart/internal/dedup"
	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/fjod/rfid-cart/internal/engine"
	h "github.com/fjod/rfid-cart/internal/http"
	"github.com/fjod/rfid-cart/internal/inventory"
	"github.com/fjod/rfid-cart/internal/logger"
	"github.com/fjod/rfid-cart/internal/metrics"
	"github.com/fjod/rfid-cart/internal/notify"
	"github.com/fjod/rfid-cart/internal/poller"
	"github.com/fjod/rfid-cart/internal/publisher"
	"github.com/fjod/rfid-cart/internal/ws"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "engine",
		Short:         "RFID cart binding and scan reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.Init(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	m := metrics.New()

	// Catalog
	repo, err := catalog.NewSQLiteRepository(cfg.Catalog.DSN)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.RunMigrations(); err != nil {
		return err
	}
	resolver := catalog.NewResolver(repo, cfg.Catalog.CacheTTL)
	log.Info("catalog ready", "dsn", cfg.Catalog.DSN)

	// Deduplication
	var (
		dedupe      dedup.Deduplicator
		memoryDedup *dedup.MemoryDeduplicator
	)
	switch cfg.Dedup.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		dedupe = dedup.NewRedisDeduplicator(client, cfg.Dedup.Cooldown)
		log.Info("redis deduplicator ready", "addr", cfg.Redis.Addr)
	default:
		memoryDedup = dedup.NewMemoryDeduplicator(cfg.Dedup.Cooldown, cfg.Engine.Shards)
		dedupe = memoryDedup
	}

	// Cart persistence
	var persister cart.Persister
	if cfg.Cart.Persistence == "mongo" {
		db, err := cart.ConnectMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Client().Disconnect(context.Background()); err != nil {
				log.Error("failed to disconnect from mongodb", "error", err)
			}
		}()
		mp := cart.NewMongoPersister(db)
		if err := mp.CreateIndexes(ctx); err != nil {
			return err
		}
		persister = mp
		log.Info("mongodb cart persistence ready", "database", cfg.Mongo.Database)
	}

	// Notifications
	var (
		sink   notify.Sink
		mirror *publisher.Publisher
	)
	if cfg.KafkaEnabled() && cfg.Kafka.NotificationsTopic != "" {
		w := publisher.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic)
		mirror = publisher.New(w, publisher.Options{
			QueueSize: cfg.Notify.Buffer * 16,
			OnDrop:    func(et notify.EventType) { m.DroppedNotification(string(et)) },
			Logger:    log,
		})
		sink = mirror
		log.Info("notification mirror enabled", "topic", cfg.Kafka.NotificationsTopic)
	}
	hub := notify.NewHub(notify.Options{
		Buffer: cfg.Notify.Buffer,
		Sink:   sink,
		OnDrop: func(et notify.EventType) { m.DroppedNotification(string(et)) },
		Logger: log,
	})

	// Engine
	var eng *engine.Engine
	bindings := binding.NewTable(binding.Options{
		Shards:        cfg.Engine.Shards,
		IdleTimeout:   cfg.Binding.IdleTimeout,
		SweepInterval: cfg.Binding.SweepInterval,
		Logger:        log,
		OnExpire:      func(b domain.Binding) { eng.BindingExpired(b) },
	})
	eng = engine.New(engine.Config{
		Bindings:  bindings,
		Dedup:     dedupe,
		Catalog:   resolver,
		Inventory: inventory.NewLedger(cfg.Engine.Shards),
		Carts: cart.NewStore(cart.Options{
			Shards:         cfg.Engine.Shards,
			Persister:      persister,
			PersistTimeout: cfg.Cart.PersistTimeout,
			Logger:         log,
		}),
		Notifier: hub,
		Metrics:  m,
		Logger:   log,
	})
	if err := eng.SeedInventory(ctx); err != nil {
		return err
	}

	// Transport
	validator := auth.NewValidator(cfg.Auth.Secret, cfg.Auth.Issuer)
	router := h.NewRouter(h.RouterConfig{
		Handler:        h.NewHandler(eng, cfg.HTTP.RequestTimeout, log),
		Validator:      validator,
		Metrics:        m.Middleware,
		MetricsHandler: m.Handler(),
		Push: ws.NewServer(ws.Options{
			Engine:    eng,
			Hub:       hub,
			Validator: validator,
			Logger:    log,
		}),
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      otelhttp.NewHandler(router, "rfid-cart"),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("engine listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		bindings.Run(gctx)
		return nil
	})

	if memoryDedup != nil {
		g.Go(func() error {
			memoryDedup.Run(gctx, cfg.Dedup.SweepInterval)
			return nil
		})
	}

	if mirror != nil {
		g.Go(func() error {
			defer closeLogged(log, "notification writer", mirror)
			return mirror.Run(gctx)
		})
	}

	if cfg.KafkaEnabled() {
		reader := poller.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.CheckoutTopic, cfg.Kafka.GroupID)
		checkout := poller.NewPoller(eng, reader, m, log)
		g.Go(func() error {
			defer closeLogged(log, "checkout reader", checkout)
			return checkout.Run(gctx)
		})
	}

	err = g.Wait()
	log.Info("engine stopped")
	return err
}

func closeLogged(log *slog.Logger, what string, c io.Closer) {
	start := time.Now()
	if err := c.Close(); err != nil {
		log.Error("failed to close "+what, "error", err)
		return
	}
	log.Debug("closed "+what, "took", time.Since(start))
}
