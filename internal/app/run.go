package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"telemetry-bridge/internal/auth"
	"telemetry-bridge/internal/config"
	"telemetry-bridge/internal/db"
	"telemetry-bridge/internal/dispatch"
	"telemetry-bridge/internal/envelope"
	"telemetry-bridge/internal/httpapi"
	"telemetry-bridge/internal/ingest"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/migrate"
	"telemetry-bridge/internal/mqtt"
	"telemetry-bridge/internal/repository"
	"telemetry-bridge/internal/sequence"
	"telemetry-bridge/internal/stats"
	"telemetry-bridge/internal/ws"
)

const (
	mqttConnectTimeout = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Run wires the bridge and serves until ctx is canceled or a component
// fails.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"authMaxFailures", cfg.AuthMaxFailures,
		"outOfOrderPolicy", cfg.OutOfOrderPolicy.String(),
		"statsWindow", cfg.StatsWindow,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
	)

	dbConn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(dbConn); err != nil {
			logger.Error("db close", "error", err)
		}
	}()
	if _, err := migrate.Run(ctx, dbConn, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready")

	gate, err := auth.NewGate(cfg.AuthKey, cfg.AuthMaxFailures)
	if err != nil {
		return err
	}
	m := metrics.New()
	tracker := sequence.NewTracker(cfg.OutOfOrderPolicy)
	aggregator := stats.NewAggregator()
	router := dispatch.NewRouter()
	proc := ingest.NewProcessor(gate, tracker, aggregator, router, m, logger)
	repo := repository.NewRepository(dbConn)

	if _, err := router.Subscribe("#", repo.InsertReading); err != nil {
		return fmt.Errorf("subscribe store: %w", err)
	}
	hub := ws.NewHub(m, logger)
	if _, err := router.Subscribe("#", hub.Relay); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}

	subscriber := mqtt.NewSubscriber(cfg, logger)
	subscriber.SetMessageHandler(func(ctx context.Context, t envelope.Telemetry) error {
		proc.Ingest(ctx, t)
		return nil
	})

	wsServer := ws.NewServer(proc, hub, ws.Options{
		WriteTimeout: cfg.WSWriteTimeout,
		SendBuffer:   cfg.WSSendBuffer,
	}, logger)
	mux := httpapi.NewMux(httpapi.Deps{
		DB:         dbConn,
		MQTT:       subscriber,
		Aggregator: aggregator,
		Tracker:    tracker,
		Repository: repo,
		Metrics:    m,
		WebSocket:  wsServer,
		Logger:     logger,
	})
	srv := httpapi.NewServer(cfg, mux, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		connectCtx, cancel := context.WithTimeout(gctx, mqttConnectTimeout)
		defer cancel()
		if err := subscriber.Connect(connectCtx); err != nil {
			// The client keeps retrying; WebSocket ingestion works without it.
			logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
		return nil
	})

	if cfg.StatsWindow > 0 {
		g.Go(func() error {
			err := stats.RunRollover(gctx, aggregator, cfg.StatsWindow, func(ctx context.Context, w stats.Window) {
				if err := repo.InsertWindow(ctx, w); err != nil {
					logger.Error("failed to store closed window", "error", err)
				}
			}, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("mqtt disconnecting")
		subscriber.Disconnect()

		logger.Info("http shutting down")
		hub.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
