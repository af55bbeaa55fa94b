package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"greennanny-dashboard/internal/config"
	"greennanny-dashboard/internal/db"
	"greennanny-dashboard/internal/device"
	"greennanny-dashboard/internal/engine"
	"greennanny-dashboard/internal/httpapi"
	"greennanny-dashboard/internal/migrate"
	"greennanny-dashboard/internal/mqtt"
	"greennanny-dashboard/internal/reconcile"
	"greennanny-dashboard/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	commandLogSize  = 200
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"deviceURL", cfg.DeviceURL,
		"pollInterval", cfg.PollInterval.String(),
		"maxBackoff", cfg.MaxBackoff.String(),
		"lowHeapThreshold", cfg.LowHeapThreshold,
		"storeDriver", cfg.StoreDriver,
		"sqlitePath", cfg.SQLitePath,
		"stateFile", cfg.StateFile,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopicPrefix", cfg.MQTTTopicPrefix,
	)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	client := device.New(cfg.DeviceURL, device.Options{
		Timeout: cfg.FetchTimeout,
		Logger:  logger.With("component", "device"),
	})

	cache := reconcile.New(st.persistent, reconcile.Options{
		TriggerTTL: cfg.TriggerTTL,
		Logger:     logger.With("component", "reconcile"),
	})
	if err := cache.Load(ctx); err != nil {
		logger.Warn("timestamp cache load failed (starting empty)", "error", err)
	}

	eng := engine.New(client, cache, engine.Options{
		PollInterval:               cfg.PollInterval,
		LowHeapThreshold:           cfg.LowHeapThreshold,
		MaxBackoff:                 cfg.MaxBackoff,
		RestartTimeout:             cfg.RestartTimeout,
		TriggerSettle:              cfg.TriggerSettle,
		NotifyCooldown:             cfg.NotifyCooldown,
		HistoryMaxEntries:          cfg.HistoryMaxEntries,
		ChartMaxPoints:             cfg.ChartMaxPoints,
		DefaultMeasurementInterval: cfg.DefaultMeasurementInterval,
		Logger:                     logger,
		CommandLog:                 st.commands,
	})

	mux := httpapi.NewMux(st.pinger, eng, logger)
	srv := httpapi.NewServer(cfg, mux, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.MQTTBroker != "" {
		bridge := mqtt.NewBridge(cfg, eng, logger.With("component", "mqtt"))
		g.Go(func() error {
			// The dashboard keeps working without the broker.
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("mqtt bridge stopped (continuing without mqtt)", "error", err)
			}
			return nil
		})
	} else {
		logger.Info("mqtt bridge disabled")
	}

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("http shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

type stores struct {
	persistent store.PersistentStore
	commands   store.CommandLog
	// pinger is nil when nothing external backs the stores.
	pinger httpapi.Pinger
	close  func()
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		dbConn, err := db.Open(cfg, logger)
		if err != nil {
			return stores{}, err
		}
		closeDB := func() {
			if err := db.Close(dbConn); err != nil {
				logger.Error("db close", "error", err)
			}
		}
		if err := migrate.Run(ctx, dbConn, logger); err != nil {
			closeDB()
			return stores{}, err
		}
		s := store.NewSQLite(dbConn)
		if err := s.Ping(ctx); err != nil {
			closeDB()
			return stores{}, fmt.Errorf("database connection failed: %w", err)
		}
		logger.Info("database connection successful")
		return stores{persistent: s, commands: s, pinger: s, close: closeDB}, nil

	case "file":
		f, err := store.NewFile(cfg.StateFile)
		if err != nil {
			return stores{}, err
		}
		return stores{persistent: f, commands: store.NewMemoryCommandLog(commandLogSize), close: func() {}}, nil

	case "memory":
		return stores{persistent: store.NewMemory(), commands: store.NewMemoryCommandLog(commandLogSize), close: func() {}}, nil

	default:
		return stores{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
