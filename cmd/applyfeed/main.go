package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
	"github.com/agentworkforce/applyfeed/internal/broadcast"
	"github.com/agentworkforce/applyfeed/internal/config"
	"github.com/agentworkforce/applyfeed/internal/httpapi"
	"github.com/agentworkforce/applyfeed/internal/logging"
	"github.com/agentworkforce/applyfeed/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "applyfeed", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize applyfeed: %v", err)
	}
	if err := app.run(ctx); err != nil {
		logger.Error("server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	app.close(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.Any("error", err))
	}
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    applyfeed.RecordStore
	settings *applyfeed.SettingsStore
	hub      *broadcast.Hub
	relay    *broadcast.NATSRelay
	server   *httpapi.Server
	http     *http.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	dsn, err := cfg.RecordStoreDSN()
	if err != nil {
		return nil, err
	}
	store, err := applyfeed.BuildRecordStoreFromDSN(dsn)
	if err != nil {
		return nil, err
	}

	settings := applyfeed.NewSettingsStore(cfg.SettingsPath(), logger)
	extractor, err := applyfeed.NewGeminiExtractor(applyfeed.GeminiOptions{
		BaseURL: cfg.AIBaseURL,
		Model:   cfg.AIModel,
		Timeout: cfg.AITimeout,
	})
	if err != nil {
		_ = applyfeed.CloseRecordStore(store)
		return nil, err
	}
	classifier := applyfeed.NewClassifier(settings, applyfeed.ClassifierOptions{
		Extractor:  extractor,
		RetryDelay: cfg.AIRetryDelay,
		Logger:     logger,
	})

	hub := broadcast.NewHub(broadcast.HubOptions{HeartbeatInterval: cfg.HeartbeatInterval, Logger: logger})
	var publisher applyfeed.Publisher = hub
	var relay *broadcast.NATSRelay
	if cfg.NATSURL != "" {
		relay, err = broadcast.NewNATSRelay(cfg.NATSURL, cfg.NATSSubject, hub, logger)
		if err != nil {
			_ = applyfeed.CloseRecordStore(store)
			return nil, err
		}
		if err := relay.Start(); err != nil {
			relay.Close()
			_ = applyfeed.CloseRecordStore(store)
			return nil, err
		}
		publisher = relay
	}

	coordinator, err := applyfeed.NewCoordinator(applyfeed.CoordinatorOptions{
		Store:      store,
		Classifier: classifier,
		Publisher:  publisher,
		Logger:     logger,
	})
	if err != nil {
		if relay != nil {
			relay.Close()
		}
		_ = applyfeed.CloseRecordStore(store)
		return nil, err
	}

	server := httpapi.NewServerWithConfig(httpapi.Dependencies{
		Ingester:  coordinator,
		Hub:       hub,
		Settings:  settings,
		Publisher: publisher,
	}, httpapi.ServerConfig{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		CORSOrigins:     cfg.CORSOrigins,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		settings: settings,
		hub:      hub,
		relay:    relay,
		server:   server,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run serves until ctx is cancelled or the listener fails.
func (a *app) run(ctx context.Context) error {
	go func() {
		if err := a.hub.Run(ctx); err != nil {
			a.logger.Error("heartbeat loop stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := a.settings.Watch(ctx); err != nil {
			a.logger.Warn("settings watcher stopped", slog.Any("error", err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("applyfeed listening", slog.String("addr", a.cfg.Addr), slog.Bool("nats", a.relay != nil))
		errCh <- a.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// close ends live connections first so Shutdown is not held open by
// streaming handlers.
func (a *app) close(ctx context.Context) {
	a.hub.Close()
	if err := a.http.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if err := applyfeed.CloseRecordStore(a.store); err != nil {
		a.logger.Warn("record store close failed", slog.Any("error", err))
	}
	a.logger.Info("applyfeed stopped")
}
