package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/wager-engine/internal/app"
	"github.com/atmx/wager-engine/internal/archive"
	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/metrics"
	wagermw "github.com/atmx/wager-engine/internal/middleware"
	"github.com/atmx/wager-engine/internal/notify"
	"github.com/atmx/wager-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("WAGER_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("wager-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("wager-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	ledger, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	// --- Post-commit sinks ---
	var opts []trade.ServiceOption

	if cfg.Kafka.Brokers != "" {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers)
		defer pub.Close()
		opts = append(opts, trade.WithEvents(pub))
		slog.Info("Kafka publishing enabled", "brokers", cfg.Kafka.Brokers)
	}

	if cfg.TelegramEnabled() {
		sender := notify.NewTelegramSender(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		opts = append(opts, trade.WithNotifier(notify.NewNotifier([]notify.Sender{sender}, cfg.Telegram.Events, slog.Default())))
		slog.Info("Telegram alerts enabled")
	}

	if cfg.ArchiveEnabled() {
		arch, err := archive.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		opts = append(opts, trade.WithArchiver(arch))
		slog.Info("settlement receipts archived", "bucket", cfg.Archive.Bucket)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Trade service ---
	tradeSvc := trade.NewService(ledger.Store, ledger.Executor, ledger.Engine, wsHub, opts...)

	var limiter *wagermw.ClientLimiter
	if cfg.RateLimit.PerSecond > 0 {
		limiter = wagermw.NewClientLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(wagermw.CORS(cfg.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"wager-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		tradeSvc.Mount(r, wagermw.RateLimit(limiter))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("wager-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		slog.Info("shutting down wager-engine...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		tradeSvc.Wait()
		return nil
	})

	return g.Wait()
}
