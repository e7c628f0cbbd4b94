// hubsync keeps a local, always-readable mirror of a smart-home hub.
//
// It logs in to the hub, polls every device on an interval, applies pushed
// property changes from the hub's WebSocket channel in between, classifies
// button presses, and republishes the result over MQTT, InfluxDB, a SQLite
// event history and a small read-only HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-hubsync/internal/api"
	"github.com/nerrad567/gray-logic-hubsync/internal/history"
	"github.com/nerrad567/gray-logic-hubsync/internal/hub"
	"github.com/nerrad567/gray-logic-hubsync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hubsync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hubsync/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hubsync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hubsync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hubsync/internal/notify"
	"github.com/nerrad567/gray-logic-hubsync/internal/press"
	"github.com/nerrad567/gray-logic-hubsync/internal/state"
	"github.com/nerrad567/gray-logic-hubsync/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// pruneInterval is how often expired event history is deleted.
const pruneInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting hubsync",
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
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	checks := make(map[string]api.HealthChecker)
	notifyOpts := notify.Options{Logger: log.With("component", "notify")}

	// Event history (optional)
	var events history.Repository
	if cfg.Database.Enabled {
		db, dbErr := openDatabase(ctx, cfg.Database)
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database ready", "path", db.Path())

		events = history.NewSQLiteRepository(db.DB)
		notifyOpts.Store = events
		checks["database"] = db
	} else {
		log.Info("event history disabled")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		notifyOpts.Publisher = mqttClient
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		notifyOpts.Telemetry = influxClient
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	dispatcher := notify.New(notifyOpts)

	client, err := hub.NewClient(hubConfig(cfg.Hub))
	if err != nil {
		return fmt.Errorf("creating hub client: %w", err)
	}
	client.SetLogger(log.With("component", "hub"))

	rec := state.New(client.API(), state.Options{
		PollInterval:     cfg.Reconciler.GetPollInterval(),
		FailureThreshold: cfg.Reconciler.FailureThreshold,
		FetchConcurrency: cfg.Reconciler.FetchConcurrency,
		Press: press.Options{
			LongPress: cfg.Press.GetLongPress(),
			Window:    cfg.Press.GetDoubleWindow(),
		},
		Notifier:   dispatcher,
		Subscriber: client,
		Logger:     log.With("component", "reconciler"),
	})

	client.SetOnUpdate(rec.ApplyUpdate)
	client.SetOnConnectionState(func(connected bool) {
		log.Info("hub push channel", "connected", connected)
		if connected {
			// Pushes missed while disconnected are only recovered by a poll.
			rec.RequestRefresh()
		}
	})

	if mqttClient != nil {
		refreshTopic := mqtt.Topics{}.RefreshCommand()
		err = mqttClient.Subscribe(refreshTopic, byte(cfg.MQTT.QoS),
			func(_ string, _ []byte) error {
				rec.RequestRefresh()
				return nil
			})
		if err != nil {
			return fmt.Errorf("subscribing to refresh command: %w", err)
		}
		defer func() {
			if unsubErr := mqttClient.Unsubscribe(refreshTopic); unsubErr != nil && !errors.Is(unsubErr, mqtt.ErrNotConnected) {
				log.Warn("error unsubscribing refresh command", "error", unsubErr)
			}
		}()
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			State:   rec,
			Hub:     client,
			History: events,
			Notify:  dispatcher,
			Checks:  checks,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr = server.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return client.Run(gctx) })
	if events != nil && cfg.Database.RetentionDays > 0 {
		g.Go(func() error {
			pruneLoop(gctx, events, cfg.Database.GetRetention(), log)
			return nil
		})
	}

	log.Info("initialisation complete, syncing")

	if waitErr := g.Wait(); waitErr != nil {
		if errors.Is(waitErr, hub.ErrAuthentication) {
			return fmt.Errorf("hub login rejected, check hub.username and hub.secret: %w", waitErr)
		}
		return fmt.Errorf("sync stopped: %w", waitErr)
	}

	// Deferred Close() calls run in reverse order: API, InfluxDB, MQTT, database.
	log.Info("hubsync stopped")
	return nil
}

// getConfigPath returns HUBSYNC_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("HUBSYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openDatabase opens and migrates the event history database.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// hubConfig converts the hub section of config.yaml.
func hubConfig(cfg config.HubConfig) hub.Config {
	return hub.Config{
		BaseURL:          cfg.BaseURL,
		EventsURL:        cfg.EventsURL,
		Username:         cfg.Username,
		Secret:           cfg.Secret,
		LoginTimeout:     cfg.GetLoginTimeout(),
		HandshakeTimeout: cfg.GetHandshakeTimeout(),
		RequestTimeout:   cfg.GetRequestTimeout(),
		MaxPending:       cfg.MaxPending,
		Backoff: hub.NewBackoff(
			time.Duration(cfg.Backoff.Floor)*time.Second,
			time.Duration(cfg.Backoff.Ceiling)*time.Second,
			cfg.Backoff.Jitter,
		),
	}
}

// pruneLoop deletes history older than retention now and every pruneInterval.
func pruneLoop(ctx context.Context, events history.Repository, retention time.Duration, log *logging.Logger) {
	prune := func() {
		n, err := events.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("pruning event history", "error", err)
			}
			return
		}
		if n > 0 {
			log.Info("pruned event history", "deleted", n)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
