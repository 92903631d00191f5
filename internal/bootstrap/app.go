// Package bootstrap assembles the process: config, logging, telemetry,
// storage, exchange access, the strategy manager and the status server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auto_trader/internal/alert"
	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/exchange"
	"auto_trader/internal/instrument"
	"auto_trader/internal/manager"
	"auto_trader/internal/server"
	"auto_trader/internal/storage"
	"auto_trader/pkg/logging"
	"auto_trader/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// stateBroadcastInterval paces the periodic state push to dashboard clients.
const stateBroadcastInterval = 2 * time.Second

// App holds the wired process dependencies.
type App struct {
	Cfg       *config.Config
	Logger    *logging.ZapLogger
	Telemetry *telemetry.Telemetry

	Store       *storage.Store
	Worker      *storage.Worker
	Factory     *exchange.Factory
	Instruments *instrument.Cache
	Alerts      *alert.AlertManager
	Manager     *manager.Manager
	Hub         *server.Hub
	Server      *server.Server
}

// NewApp builds the full dependency graph. An empty configPath falls back to
// pure-environment configuration.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Telemetry first so the zap OTel bridge picks up the logger provider.
	tel, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logging.SetGlobalLogger(logger)
	logger.Info("Configuration loaded", describeFields(cfg)...)

	store, err := storage.Open(cfg.Database.DSN(), logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	worker := storage.NewWorker(store, logger)

	factory := exchange.NewFactory(&cfg.Exchange, logger)
	instruments := instrument.NewCache(factory, store, "", logger)

	alerts := alert.NewAlertManager(logger)
	if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := string(cfg.Alerts.TelegramBotToken); token != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}

	hub := server.NewHub(logger)
	alertSink := alerts.EventSink()
	sink := func(evt core.StrategyEvent) {
		alertSink(evt)
		hub.Broadcast(server.Message{Type: server.TypeEvent, Data: evt})
	}

	mgr := manager.New(manager.Deps{
		Builder: factory,
		Specs:   instruments,
		Persist: worker,
		Saver:   worker,
		Logger:  logger,
		Sink:    sink,
	})

	srv := server.New(server.Deps{
		Hub:            hub,
		Manager:        mgr,
		Instruments:    instruments,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     os.Getenv("APP_ENV") == "production",
	})

	if raw, err := worker.LoadActiveConfig(ctx); err != nil {
		logger.Warn("Loading previous strategy config failed", "error", err)
	} else if raw != nil {
		// Strategies never auto-resume; the operator restarts via the API.
		logger.Info("Previous strategy config found", "bytes", len(raw))
	}

	return &App{
		Cfg:         cfg,
		Logger:      logger,
		Telemetry:   tel,
		Store:       store,
		Worker:      worker,
		Factory:     factory,
		Instruments: instruments,
		Alerts:      alerts,
		Manager:     mgr,
		Hub:         hub,
		Server:      srv,
	}, nil
}

// Run serves until a termination signal arrives, then stops the active
// strategy and drains the persistence queue.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return a.Server.Start(ctx, a.Cfg.Server.ListenAddr)
	})

	g.Go(func() error {
		ticker := time.NewTicker(stateBroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.Server.BroadcastState()
			}
		}
	})

	a.Logger.Info("Application started", "addr", a.Cfg.Server.ListenAddr)

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down")
	return nil
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Manager.StopActive(ctx); err != nil {
		a.Logger.Warn("Stopping active strategy failed", "error", err)
	}
	a.Worker.Stop()
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Closing store failed", "error", err)
	}
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	a.Logger.Sync()
}

func describeFields(cfg *config.Config) []interface{} {
	desc := cfg.Describe()
	fields := make([]interface{}, 0, len(desc)*2)
	for k, v := range desc {
		fields = append(fields, k, v)
	}
	return fields
}
