// gpcm is a GameSpy-compatible GP presence server.
//
// It accepts presence connections on the session port, authenticates them
// with the challenge/response login, relays buddy status and messages, and
// answers profile searches on the search port. An optional admin API, MQTT
// telemetry and an interactive console expose the running state.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/energizer-project/gpcm/internal/api"
	"github.com/energizer-project/gpcm/internal/cli"
	"github.com/energizer-project/gpcm/internal/config"
	"github.com/energizer-project/gpcm/internal/events"
	"github.com/energizer-project/gpcm/internal/gpcm"
	"github.com/energizer-project/gpcm/internal/gpsp"
	"github.com/energizer-project/gpcm/internal/network"
	"github.com/energizer-project/gpcm/internal/scheduler"
	"github.com/energizer-project/gpcm/internal/store"
	"github.com/energizer-project/gpcm/internal/telemetry"
	"github.com/energizer-project/gpcm/internal/util"
)

const (
	AppName    = "gpcm"
	AppVersion = "1.0.0"
)

func main() {
	configDir := flag.StringP("config", "c", config.DefaultConfigDir, "configuration directory")
	logLevel := flag.StringP("log-level", "l", "", "override the configured log level")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	showVersion := flag.BoolP("version", "v", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", AppName, AppVersion)
		return
	}

	// Defaults until the config is loaded
	if err := util.InitLogger(util.LogConfig{Level: "info", Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting gpcm")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *logLevel != "" {
		cfg.SetLogLevel(*logLevel)
	}

	logging := cfg.GetLogging()
	logCfg := util.DefaultLogConfig()
	logCfg.Level = logging.Level
	logCfg.Directory = logging.Directory
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("config", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if err := run(cfg, !*noConsole); err != nil {
		log.Fatal().Err(err).Msg("gpcm stopped with an error")
	}
	log.Info().Msg("gpcm stopped")
}

func run(cfg *config.Config, console bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvCfg := cfg.GetServer()
	searchCfg := cfg.GetSearch()
	dbCfg := cfg.GetDatabase()

	profiles, err := store.Open(dbCfg.Path, store.Options{BcryptCost: dbCfg.BcryptCost})
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	defer profiles.Close()
	log.Info().Str("path", dbCfg.Path).Msg("profile store ready")

	eventBus := events.NewEventBus()

	presence := gpcm.NewServer(profiles, gpcm.NewRegistry(), eventBus, gpcm.Options{
		IdleTimeout:    srvCfg.IdleTimeout(),
		MaxBufferBytes: srvCfg.MaxBufferBytes,
		OutboxSize:     srvCfg.OutboxSize,
		CommandRate:    srvCfg.CommandRate,
		CommandBurst:   srvCfg.CommandBurst,
		StrictAuth:     srvCfg.StrictAuth,
		LogWire:        cfg.GetLogging().LogWire,
	})

	sessionListener := network.NewTCPListener("gpcm", srvCfg.SessionAddr(), presence)
	sessionListener.SetGuard(network.NewAcceptGuard(srvCfg.AcceptRatePerIP, srvCfg.MaxConnections))

	var searchListener *network.TCPListener
	if searchCfg.Enabled {
		search, err := gpsp.NewServer(profiles, eventBus, gpsp.Options{
			IdleTimeout:    searchCfg.IdleTimeout(),
			MaxBufferBytes: srvCfg.MaxBufferBytes,
			NickCacheSize:  searchCfg.NickCacheSize,
		})
		if err != nil {
			return fmt.Errorf("search server: %w", err)
		}
		searchListener = network.NewTCPListener("gpsp", searchCfg.Addr(srvCfg.ListenIP), search)
		searchListener.SetGuard(network.NewAcceptGuard(srvCfg.AcceptRatePerIP, srvCfg.MaxConnections))
	}

	// Bind up front so a taken port fails startup instead of a goroutine
	if err := sessionListener.Listen(ctx); err != nil {
		return err
	}
	if searchListener != nil {
		if err := searchListener.Listen(ctx); err != nil {
			return err
		}
	}

	sched := scheduler.NewScheduler(profiles, dbCfg.SessionTTL(), dbCfg.PruneInterval(), presence.Registry().Count)

	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		if e.Source != "main" {
			shutdownOnce.Do(func() { close(shutdownCh) })
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", srvCfg.SessionAddr()).Msg("starting presence listener")
		if err := sessionListener.Start(ctx); err != nil {
			errCh <- fmt.Errorf("presence listener: %w", err)
		}
	}()

	if searchListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", searchCfg.Addr(srvCfg.ListenIP)).Msg("starting search listener")
			if err := searchListener.Start(ctx); err != nil {
				errCh <- fmt.Errorf("search listener: %w", err)
			}
		}()
	}

	if apiCfg := cfg.GetAdminAPI(); apiCfg.Enabled {
		apiServer := api.NewServer(cfg, presence, profiles)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "admin API", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("admin API failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Dur("interval", dbCfg.PruneInterval()).Msg("starting session pruner")
		sched.Start(ctx)
	}()

	if console {
		// Not in wg: a blocked stdin read must not hold up shutdown.
		go cli.NewCLI(cfg, eventBus, presence, profiles, os.Stdin, os.Stdout).Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "main"})
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	return runErr
}

// startWithRetry retries startFn on bind errors.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil || errors.Is(lastErr, context.Canceled) {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
