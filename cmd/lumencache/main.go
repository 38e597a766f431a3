// LumenCache bridge: drives LumenCache lighting buses over serial or
// serial-over-TCP adapters and exposes them on MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/lumencache-bridge/internal/api"
	"github.com/nerrad567/lumencache-bridge/internal/audit"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/config"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/database"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/lumencache-bridge/migrations"
)

// Set at build time via -ldflags "-X main.version=1.0.0 -X main.commit=abc123".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx ends or a bus link fails.
// Deferred cleanup stops components in reverse start order.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting LumenCache bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"adapters", len(cfg.LumenCache.Adapters()),
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	auditRepo := audit.NewSQLiteRepository(db.DB)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
		influxClient = nil
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	linkErrs := make(chan error, len(cfg.LumenCache.Adapters()))
	runtimes := make([]*adapterRuntime, 0, len(cfg.LumenCache.Adapters()))
	defer func() {
		for i := len(runtimes) - 1; i >= 0; i-- {
			runtimes[i].stop()
		}
	}()

	for _, adapterCfg := range cfg.LumenCache.Adapters() {
		rt, buildErr := newAdapterRuntime(adapterDeps{
			cfg:      adapterCfg,
			settings: cfg.LumenCache,
			mqtt:     mqtt.BridgeClient{Client: mqttClient},
			audit:    auditRepo,
			metrics:  influxClient,
			logger:   log,
		})
		if buildErr != nil {
			return fmt.Errorf("adapter %s: %w", adapterCfg.ID, buildErr)
		}
		runtimes = append(runtimes, rt)
		if startErr := rt.start(ctx, linkErrs); startErr != nil {
			return fmt.Errorf("adapter %s: %w", adapterCfg.ID, startErr)
		}
	}

	checks := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		Logger:   log.Component("api"),
		Adapters: apiAdapters(runtimes),
		Audit:    auditRepo,
		Checks:   checks,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case linkErr := <-linkErrs:
		// A lost bus stream is not reconnected in-process; exit non-zero
		// and let the service manager restart us.
		log.Error("bus link failed, shutting down", "error", linkErr)
		return fmt.Errorf("bus link: %w", linkErr)
	}

	log.Info("LumenCache bridge stopped")
	return nil
}

// getConfigPath honours LUMENCACHE_CONFIG, falling back to the default.
func getConfigPath() string {
	if path := os.Getenv("LUMENCACHE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck runs each check in name order and returns the first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for _, name := range sortedKeys(checks) {
		if err := checks[name].HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
