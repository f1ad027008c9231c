package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhearth/hearthd/pkg/api"
	"github.com/openhearth/hearthd/pkg/bridge"
	"github.com/openhearth/hearthd/pkg/command"
	"github.com/openhearth/hearthd/pkg/config"
	"github.com/openhearth/hearthd/pkg/fanout"
	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/metrics"
	"github.com/openhearth/hearthd/pkg/pairing"
	"github.com/openhearth/hearthd/pkg/presence"
	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/transport"
	"github.com/openhearth/hearthd/pkg/types"
	"github.com/openhearth/hearthd/pkg/weather"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Start both HTTP listeners (device protocol and operator API), the
availability sweep, and the MQTT bridge when a broker is configured.
Configuration comes from the environment; a .env file in the working
directory is honoured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	level := log.InfoLevel
	if cfg.DebugLogging {
		level = log.DebugLevel
	}
	logCfg := log.Config{Level: level}
	if cfg.DebugLogsDir != "" {
		if f, err := openDebugLog(cfg.DebugLogsDir); err == nil {
			defer f.Close()
			logCfg.JSONOutput = true
			logCfg.Output = f
		} else {
			fmt.Fprintf(os.Stderr, "debug log unavailable: %v\n", err)
		}
	}
	log.Init(logCfg)
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	cache := state.NewCache(store)
	if err := cache.Warm(); err != nil {
		return err
	}
	metrics.BucketsTotal.Set(float64(cache.BucketCount()))

	registry := fanout.NewRegistry(cfg.MaxSubscriptionsPerDevice)
	tracker := presence.NewTracker(cfg.PresenceTimeout(), cfg.PresenceCheckInterval(), registry.HasWaiters)
	pair := pairing.NewService(store, cache, cfg.EntryKeyTTL())
	commands := command.NewService(cache, registry)
	wthr := weather.NewService(weather.Options{TTL: cfg.WeatherCacheTTL()}, store)

	// Change stream: fan-out first so devices wake before the bridge
	// publishes, then metrics.
	cache.Subscribe("fanout", func(ev state.ChangeEvent) {
		registry.Notify(ev.Serial, []*types.Bucket{{
			Serial:    ev.Serial,
			Key:       ev.Key,
			Revision:  ev.Revision,
			Timestamp: ev.Timestamp,
			Value:     ev.Value,
		}})
	})
	cache.Subscribe("metrics", func(ev state.ChangeEvent) {
		metrics.BucketWrites.WithLabelValues(types.KindOf(ev.Key)).Inc()
		metrics.BucketsTotal.Set(float64(cache.BucketCount()))
	})

	// Environment wins; a broker saved through the operator API fills in
	// when MQTT_HOST is unset.
	mqttCfg := cfg.MQTT
	if !mqttCfg.Enabled() {
		if stored, ok := storedMQTTConfig(store); ok {
			mqttCfg = stored
			logger.Info().Str("host", mqttCfg.Host).Msg("using stored mqtt integration config")
		}
	}

	var br *bridge.Bridge
	if mqttCfg.Enabled() {
		br = bridge.New(mqttCfg, cache, commands)
		cache.Subscribe("bridge", br.OnChange)
		tracker.OnChange(br.OnPresence)
	}

	tracker.OnChange(func(serial string, online bool) {
		delta := float64(-1)
		if online {
			delta = 1
		}
		metrics.DevicesOnline.Add(delta)
	})

	deviceAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	apiAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))

	deviceSrv := transport.NewServer(transport.Options{
		Addr:                deviceAddr,
		SubscriptionTimeout: cfg.SubscriptionTimeout(),
		ServerVersion:       Version,
		CertDir:             cfg.CertDir,
	}, cache, registry, pair, tracker, wthr, store)

	apiSrv := api.NewServer(api.Options{
		Addr:    apiAddr,
		Origin:  cfg.APIOrigin,
		Version: Version,
	}, cache, registry, pair, commands, tracker, store)

	tracker.Start()

	errCh := make(chan error, 2)
	go func() { errCh <- deviceSrv.Start() }()
	go func() { errCh <- apiSrv.Start() }()

	if br != nil {
		if err := br.Start(); err != nil {
			// The core serves fine without the bridge; paho reconnects
			// in the background once the broker appears.
			logger.Warn().Err(err).Msg("mqtt bridge unavailable")
		}
	}

	metrics.RegisterComponent("transport", true, "")
	metrics.RegisterComponent("api", true, "")
	logger.Info().
		Str("device_addr", deviceAddr).
		Str("api_addr", apiAddr).
		Str("version", Version).
		Int("workers", cfg.Workers).
		Msg("hearthd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Teardown in reverse construction order.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if br != nil {
		br.Stop()
	}
	if err := apiSrv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	if err := deviceSrv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("device server shutdown incomplete")
	}
	tracker.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

// storedMQTTConfig loads the first mqtt integration row saved through the
// operator API.
func storedMQTTConfig(store storage.Store) (config.MQTTConfig, bool) {
	rows, err := store.ListIntegrations("mqtt")
	if err != nil || len(rows) == 0 {
		return config.MQTTConfig{}, false
	}

	var raw struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		Username        string `json:"username"`
		Password        string `json:"password"`
		TopicPrefix     string `json:"topicPrefix"`
		DiscoveryPrefix string `json:"discoveryPrefix"`
	}
	if err := json.Unmarshal(rows[0].Config, &raw); err != nil || raw.Host == "" {
		return config.MQTTConfig{}, false
	}

	out := config.MQTTConfig{
		Host:            raw.Host,
		Port:            raw.Port,
		User:            raw.Username,
		Password:        raw.Password,
		TopicPrefix:     raw.TopicPrefix,
		DiscoveryPrefix: raw.DiscoveryPrefix,
	}
	if out.Port == 0 {
		out.Port = 1883
	}
	if out.TopicPrefix == "" {
		out.TopicPrefix = "hearthd"
	}
	if out.DiscoveryPrefix == "" {
		out.DiscoveryPrefix = "homeassistant"
	}
	return out, true
}

func openDebugLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, "hearthd-"+time.Now().Format("20060102-150405")+".log")
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
