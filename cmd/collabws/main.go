// Command collabws runs the collaborative-editing WebSocket server.
package main

import (
	"context"
	"flag"
	"time"

	gohttp "github.com/panyam/collabws/http"
	"github.com/panyam/collabws/config"
	"github.com/panyam/collabws/hub"
	"github.com/panyam/collabws/logging"
	"github.com/panyam/collabws/relay"
	"github.com/panyam/collabws/routes"
	"github.com/panyam/collabws/server"
	"github.com/panyam/collabws/shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// loadConfig reads the -config file when given, else the CONFIG_FILE path.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.FromEnv()
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $"+config.EnvConfigFile+")")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		bootLogger := logging.New("collabws", "json")
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Configure(cfg.LogLevel)
	logger := logging.New("collabws", cfg.LogFormat)

	metrics := hub.NewMetrics(prometheus.DefaultRegisterer)
	registry := hub.NewRegistry(metrics)

	wsConfig := gohttp.DefaultWSConnConfig()
	wsConfig.WriteWait = cfg.WriteWait
	wsConfig.ReadLimit = cfg.ReadLimit
	// Control frames stay within a quarter sweep and half the drain deadline.
	wsConfig.ControlWait = min(cfg.WriteWait, cfg.HeartbeatPeriod/4, cfg.ShutdownDeadline/2)

	policy := cfg.Policy()
	collaborator := relay.New(relay.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		Logger:          &logger,
	})
	h := hub.New(registry, collaborator,
		hub.WithPolicy(policy),
		hub.WithConfig(wsConfig),
		hub.WithLogger(logger),
		hub.WithMetrics(metrics),
	)
	heartbeat := hub.NewHeartbeat(registry, cfg.HeartbeatPeriod, logger, metrics)

	plain := routes.WithCORS(policy, routes.NewRouter(routes.Options{
		Connections: registry.Size,
		Draining:    h.Draining,
		Metrics:     promhttp.Handler(),
	}))

	srv := server.New(h, heartbeat, plain, logger)
	if err := srv.Listen(cfg.Addr()); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("failed to bind")
	}

	coord := shutdown.New(cfg.ShutdownDeadline, shutdown.WithLogger(logger))
	srv.Register(coord)
	stopWatching := coord.Watch(context.Background())
	defer stopWatching()

	logger.Info().
		Int("port", cfg.Port).
		Str("host", cfg.Host).
		Str("environment", cfg.Environment).
		Time("time", time.Now()).
		Int("clients", registry.Size()).
		Str("url", gohttp.NormalizeWsUrl("http://"+cfg.Addr())).
		Strs("allowedOrigins", policy.Origins()).
		Bool("permitAll", policy.PermitsAll()).
		Dur("heartbeat", cfg.HeartbeatPeriod).
		Dur("shutdownDeadline", cfg.ShutdownDeadline).
		Msg("sync server started")

	if err := srv.Serve(); err != nil {
		logger.Fatal().Err(err).Msg("server stopped unexpectedly")
	}
	// Serve returns once the listener step has run. The coordinator exits
	// the process after the remaining steps.
	coord.Wait()
}
