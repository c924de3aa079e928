package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediazones/internal/api"
	"mediazones/internal/broker"
	"mediazones/internal/clock"
	"mediazones/internal/command"
	"mediazones/internal/config"
	"mediazones/internal/display"
	"mediazones/internal/engine"
	"mediazones/internal/media"
	"mediazones/internal/schedule"
	"mediazones/internal/volume"
	"mediazones/internal/zone"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting zone controller",
		zap.String("config", configPath),
		zap.Int("zones", len(cfg.Zones)),
		zap.String("listen_addr", cfg.ListenAddr))

	if err := run(cfg, configPath, logger); err != nil && err != context.Canceled {
		logger.Fatal("Zone controller exited", zap.Error(err))
	}

	logger.Info("Shut down cleanly")
}

func run(cfg *config.Config, configPath string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Duration cache is optional; the zones fall back to probing every time.
	var cache *media.DurationCache
	if cfg.DurationCachePath != "" {
		var err error
		cache, err = media.OpenDurationCache(cfg.DurationCachePath)
		if err != nil {
			return fmt.Errorf("duration cache: %w", err)
		}
		defer cache.Close()
	}
	prober := media.NewProber(cfg.ProbeBinary, cache, logger)

	registry := zone.NewRegistry(logger)

	var publisher zone.Publisher = zone.NopPublisher{}
	var client *broker.Client
	if cfg.BrokerURL != "" {
		client = broker.NewClient(cfg.BrokerURL, registry.Route, logger)
		publisher = client
	}

	for _, zc := range cfg.Zones {
		controller, err := buildZone(cfg, zc, publisher, registry, prober, logger)
		if err != nil {
			return fmt.Errorf("zone %s: %w", zc.Name, err)
		}
		if err := controller.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize zone %s: %w", zc.Name, err)
		}
		registry.Register(controller)
		logger.Info("Zone ready", zap.String("zone", zc.Name), zap.String("kind", zc.Kind))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Error("Zone shutdown incomplete", zap.Error(err))
		}
	}()

	if client != nil {
		if err := client.Connect(); err != nil {
			// The client reconnects on its own, so a broker outage at boot
			// is not fatal.
			logger.Warn("Broker unavailable, will keep retrying", zap.Error(err))
		}
		defer client.Disconnect()
	}

	server := api.NewServer(registry, logger, cfg.ListenAddr)
	if err := server.Start(); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	defer server.Stop()

	group, ctx := errgroup.WithContext(ctx)

	if len(cfg.Schedule) > 0 {
		sched, err := schedule.New(cfg, registry, clock.Real{}, logger)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		group.Go(func() error { return sched.Run(ctx) })
	}

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		applyVolumeChanges(ctx, next, registry, logger)
	}, logger)
	group.Go(func() error { return watcher.Run(ctx) })

	logger.Info("Zone controller running")
	return group.Wait()
}

func buildZone(cfg *config.Config, zc config.ZoneConfig, publisher zone.Publisher,
	registry *zone.Registry, prober *media.Prober, logger *zap.Logger) (zone.Controller, error) {

	volumes := make(map[volume.Class]int, len(zc.Volumes))
	for class, value := range zc.Volumes {
		volumes[volume.Class(class)] = value
	}

	zoneCfg := zone.Config{
		Name:              zc.Name,
		MediaDir:          zc.MediaDir,
		MaxVolume:         zc.MaxVolume,
		Volumes:           volumes,
		DuckingAdjust:     zc.DuckingAdjust,
		VideoQueueMax:     zc.VideoQueueMax,
		EffectsMax:        zc.EffectsMax,
		DuckOthersOnVideo: zc.DuckOthersOnVideo,
	}

	player := cfg.Player
	deps := zone.Deps{
		Publisher: publisher,
		Ducker:    registry,
		Resolver:  media.NewResolver(zc.MediaDir),
		Prober:    prober,
		Logger:    logger,
		NewSession: func(purpose string) *engine.Session {
			args := player.AudioArgs
			if purpose == "screen" {
				args = player.ScreenArgs
			}
			return engine.NewSession(zc.Name+"-"+purpose, engine.Options{
				Binary:             player.Binary,
				Args:               args,
				SocketDir:          player.SocketDir,
				AutoRestart:        true,
				RestartBaseDelay:   player.RestartBaseDelay.Std(),
				MaxRestartAttempts: player.RestartMaxAttempts,
			}, logger)
		},
		EffectSpawn: zone.EffectSpawner(player.Binary, player.AudioArgs),
	}

	switch zc.Kind {
	case "screen":
		deps.Display = display.NewDPMS(zc.Display, logger)
		return zone.NewScreenZone(zoneCfg, deps), nil
	case "audio":
		return zone.NewAudioZone(zoneCfg, deps), nil
	}
	return nil, fmt.Errorf("unknown zone kind %q", zc.Kind)
}

// applyVolumeChanges pushes the volume settings from a reloaded config into
// the running zones. Structural changes (zones added or removed, player
// options) still need a restart, which is logged instead.
func applyVolumeChanges(ctx context.Context, next *config.Config, registry *zone.Registry, logger *zap.Logger) {
	running := make(map[string]bool)
	for _, name := range registry.Names() {
		running[name] = true
	}

	for _, zc := range next.Zones {
		if !running[zc.Name] {
			logger.Warn("New zone in config needs a restart to take effect",
				zap.String("zone", zc.Name))
			continue
		}
		delete(running, zc.Name)

		volumes := make(map[string]int, len(zc.Volumes))
		for class, value := range zc.Volumes {
			volumes[class] = value
		}
		out := registry.Route(ctx, command.Command{
			Name:    command.NameSetVolumes,
			Zone:    zc.Name,
			Volumes: volumes,
		})
		if out.Status == command.StatusFailed {
			logger.Warn("Reloaded volumes rejected",
				zap.String("zone", zc.Name), zap.String("error", out.Message))
		}

		adjust := zc.DuckingAdjust
		out = registry.Route(ctx, command.Command{
			Name:         command.NameSetDuckingAdjust,
			Zone:         zc.Name,
			AdjustVolume: &adjust,
		})
		if out.Status == command.StatusFailed {
			logger.Warn("Reloaded ducking adjust rejected",
				zap.String("zone", zc.Name), zap.String("error", out.Message))
		}
	}

	for name := range running {
		logger.Warn("Zone removed from config needs a restart to take effect",
			zap.String("zone", name))
	}
}
