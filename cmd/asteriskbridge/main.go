// Gray Logic Asterisk Bridge
//
// This is the main entry point for the Asterisk bridge, which connects
// an Asterisk PBX to the Gray Logic platform over MQTT:
//   - Endpoint state (idle, ringing, in use) published as retained messages
//   - Commands (originate, hangup) received from Core and translated to
//     manager actions
//   - Health reporting with a broker-delivered last will on crashes
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-asterisk/migrations"

	"github.com/nerrad567/gray-logic-asterisk/internal/ami"
	"github.com/nerrad567/gray-logic-asterisk/internal/api"
	"github.com/nerrad567/gray-logic-asterisk/internal/bridges/asterisk"
	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
	"github.com/nerrad567/gray-logic-asterisk/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-asterisk/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-asterisk/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-asterisk/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-asterisk/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyPruneInterval is how often expired history rows are removed.
const historyPruneInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Asterisk bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database for endpoint history (optional: empty path disables it)
	var db *database.DB
	var history endpoint.HistoryRepository
	if cfg.Database.Path != "" {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")

		repo := endpoint.NewSQLiteHistoryRepository(db.DB)
		history = repo

		if retention := cfg.GetHistoryRetention(); retention > 0 {
			go pruneHistoryLoop(ctx, log, repo, retention)
		}
	} else {
		log.Info("endpoint history disabled (no database path)")
	}

	// Connect to MQTT with the offline health message as the last will,
	// so the broker announces an unexpected death on our behalf.
	lwtPayload, err := json.Marshal(asterisk.NewLWTMessage())
	if err != nil {
		return fmt.Errorf("encoding last will: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.Will{
		Topic:   asterisk.HealthTopic(),
		Payload: lwtPayload,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var telemetry asterisk.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		telemetry = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// Build the device-state translation table
	mapping := endpoint.DefaultStatusMapping()
	if len(cfg.Asterisk.StatusMapping) > 0 {
		if mapErr := mapping.ApplyOverrides(cfg.Asterisk.StatusMapping); mapErr != nil {
			return fmt.Errorf("applying status mapping: %w", mapErr)
		}
		log.Info("status mapping overrides applied", "count", len(cfg.Asterisk.StatusMapping))
	}

	// Create and start the bridge
	bridge, err := asterisk.NewBridge(asterisk.BridgeOptions{
		Manager: ami.SupervisorConfig{
			Client: ami.Config{
				Address:        cfg.ManagerAddress(),
				Username:       cfg.Asterisk.Username,
				Secret:         cfg.Asterisk.Secret,
				ConnectTimeout: cfg.GetConnectTimeout(),
				LoginTimeout:   cfg.GetLoginTimeout(),
				ActionTimeout:  cfg.GetActionTimeout(),
				PingInterval:   cfg.GetPingInterval(),
			},
			InitialBackoff: cfg.GetInitialReconnectDelay(),
			MaxBackoff:     cfg.GetMaxReconnectDelay(),
		},
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient, log: log},
		Mapping:        mapping,
		History:        history,
		Telemetry:      telemetry,
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if startErr := bridge.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	log.Info("bridge started", "manager", cfg.ManagerAddress())

	// Start the diagnostic API (if enabled)
	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Config:   cfg.API,
			Logger:   log,
			Registry: bridge.Registry(),
			History:  history,
			Health:   bridge.Health(),
			Version:  version,
		}
		if db != nil {
			apiDeps.DB = db
		}

		apiServer, apiErr := api.New(apiDeps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := apiServer.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Bridge (publishes offline health)
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database (if enabled)

	log.Info("Gray Logic Asterisk bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ASTERISKBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ASTERISKBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// pruneHistoryLoop periodically removes endpoint history rows older than
// the configured retention. Runs until ctx is cancelled.
func pruneHistoryLoop(ctx context.Context, log *logging.Logger, repo *endpoint.SQLiteHistoryRepository, retention time.Duration) {
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := repo.PruneHistory(ctx, retention)
			if err != nil {
				log.Error("history prune failed", "error", err)
				continue
			}
			if deleted > 0 {
				log.Info("history pruned", "deleted", deleted, "retention", retention.String())
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Manager session health is verified during bridge Start() - the first
	// connection happens synchronously before it returns.

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
	log    *logging.Logger
}

// Publish implements asterisk.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements asterisk.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (bridge handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements asterisk.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements asterisk.MQTTClient.
// Note: the MQTT client lifecycle is owned by run's defer chain,
// so this is a no-op.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {
	// No-op: MQTT client lifecycle is managed by the defer chain
}
