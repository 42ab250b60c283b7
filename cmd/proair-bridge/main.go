package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/homefleet/proair-bridge/db"
	"github.com/homefleet/proair-bridge/internal/api"
	"github.com/homefleet/proair-bridge/internal/config"
	"github.com/homefleet/proair-bridge/internal/coordinator"
	"github.com/homefleet/proair-bridge/internal/datadog"
	"github.com/homefleet/proair-bridge/internal/env"
	"github.com/homefleet/proair-bridge/internal/logging"
	"github.com/homefleet/proair-bridge/internal/notifications"
	"github.com/homefleet/proair-bridge/internal/proair"
	"github.com/homefleet/proair-bridge/system/install"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogFilePath, cfg.LogLevel)

	if cfg.InstallService {
		if err := install.InstallBridgeService(); err != nil {
			log.Fatal().Err(err).Msg("Failed to install service unit")
		}
		if err := install.ReloadSystemd(); err != nil {
			log.Warn().Err(err).Msg("Failed to reload systemd, run daemon-reload manually")
		}
		log.Info().Str("path", cfg.OSServicePath).Msg("Service unit installed")
		return
	}

	log.Info().
		Str("database", cfg.DatabasePath).
		Int("api_port", cfg.APIPort).
		Msg("Starting ProAir bridge")

	datadog.InitMetrics()
	notifications.Init()

	dbConn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer dbConn.Close()

	ident, err := db.GetIdentity(dbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("Bridge is not paired, run proair-pair first")
	}
	pins, err := db.GetDevicePINs(dbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load device PINs")
	}
	if len(pins) == 0 {
		log.Fatal().Msg("No paired devices found, run proair-pair first")
	}

	client := proair.NewClient(proair.Credentials{
		Username: ident.Username,
		Password: ident.Password,
		DeviceID: ident.DeviceID,
	}, proair.Config{
		SessionTTL: time.Duration(cfg.SessionTTLMinutes) * time.Minute,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Login(ctx); err != nil {
		log.Fatal().Err(err).Msg("Initial login failed")
	}

	plants, err := client.ListPlants(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list plants")
	}

	var targets []coordinator.Target
	for _, plant := range plants {
		for _, device := range plant.Devices {
			pin, paired := pins[device.Serial]
			if !paired {
				log.Warn().
					Str("serial", device.Serial).
					Str("name", device.Name).
					Msg("Skipping device with no paired PIN")
				continue
			}
			targets = append(targets, coordinator.Target{
				PlantID:   plant.ID,
				PlantName: plant.Name,
				Device:    device,
				PIN:       pin,
			})
		}
	}
	if len(targets) == 0 {
		log.Fatal().Msg("No pollable devices found on the account")
	}
	log.Info().Int("devices", len(targets)).Msg("Discovered pollable devices")

	coord := coordinator.New(client, targets, coordinator.Config{
		Interval:              time.Duration(cfg.PollIntervalSeconds) * time.Second,
		CycleTimeout:          time.Duration(cfg.CycleTimeoutSeconds) * time.Second,
		FailureAlertThreshold: cfg.FailureAlertThreshold,
	})
	go coord.Run(ctx)

	server := api.NewServer(coord, client, pins)
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}
