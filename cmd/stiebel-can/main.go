package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/stiebel-can/db"
	"github.com/thatsimonsguy/stiebel-can/internal/api"
	"github.com/thatsimonsguy/stiebel-can/internal/config"
	"github.com/thatsimonsguy/stiebel-can/internal/controller"
	"github.com/thatsimonsguy/stiebel-can/internal/datadog"
	"github.com/thatsimonsguy/stiebel-can/internal/env"
	"github.com/thatsimonsguy/stiebel-can/internal/logging"
	"github.com/thatsimonsguy/stiebel-can/internal/mqttbridge"
	"github.com/thatsimonsguy/stiebel-can/internal/notifications"
	"github.com/thatsimonsguy/stiebel-can/internal/recorder"
	"github.com/thatsimonsguy/stiebel-can/internal/store"
	"github.com/thatsimonsguy/stiebel-can/system/shutdown"
	"github.com/thatsimonsguy/stiebel-can/system/startup"
)

const historyFlushInterval = 5 * time.Second

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("interface", cfg.Interface).
		Msg("Starting Stiebel Eltron CAN bridge")

	datadog.InitMetrics()
	defer datadog.Close()
	notifications.Init()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	bus, sim, err := startup.OpenBus(ctx, &cfg)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open CAN bus")
		return
	}

	ctrl := controller.New(bus, cfg.Endpoints, controller.Options{
		Endpoint:             cfg.EndpointOptions(),
		PollInterval:         cfg.PollInterval(),
		OfflineAfterFailures: cfg.OfflineAfterFailures,
		CommandRate:          cfg.CommandRate,
		CommandBurst:         cfg.CommandBurst,
	})
	ctrl.AddSink(datadog.Sink{})

	g, gctx := errgroup.WithContext(ctx)

	// stopped in order: the controller drains its updates into the sinks
	// before the recorder writes its last batch
	stoppers := []shutdown.Stopper{ctrl}

	var database *sql.DB
	if cfg.HistoryDB != "" {
		database, err = db.Open(cfg.HistoryDB)
		if err != nil {
			shutdown.ShutdownWithError(err, "Failed to open history database", ctrl)
			return
		}
		defer database.Close()

		rec := recorder.New(database, cfg.HistoryRetention())
		ctrl.AddSink(rec)
		rec.Start(historyFlushInterval)
		stoppers = append(stoppers, rec)
	}

	if cfg.MQTT.Broker != "" {
		bridge := mqttbridge.New(cfg.MQTT, ctrl)
		if err := bridge.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			log.Warn().Err(err).Msg("MQTT broker not reachable yet")
		}
		ctrl.AddSink(bridge)
		defer bridge.Disconnect()
	} else {
		log.Info().Msg("MQTT bridge disabled")
	}

	if sim != nil {
		log.Warn().Msg("Loopback interface: relays are simulated")
		g.Go(func() error {
			sim.Run(gctx)
			return nil
		})
	}

	ctrl.Start(gctx)

	g.Go(func() error {
		return api.NewServer(ctrl, database).Start(gctx, cfg.APIPort)
	})

	<-gctx.Done()
	log.Info().Msg("Shutting down")
	shutdown.Shutdown(stoppers...)

	if cfg.StateFile != "" {
		if err := store.New(cfg.StateFile).Save(ctrl.Statuses()); err != nil {
			log.Warn().Err(err).Str("path", cfg.StateFile).Msg("Failed to save state snapshot")
		}
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Bridge stopped with error")
	}
}
