package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/edgerelay/internal/dispatch"
	"github.com/danmuck/edgerelay/internal/listener"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/relayctl/config.toml", "relay config path")
	flag.Parse()

	logging.ConfigureRuntime("relayctl")
	gin.SetMode(gin.ReleaseMode)

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfig(path string) (relayConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("relayctl config not found, using defaults")
		cfg := defaultRelayConfig()
		cfg.Service = cfg.Service.WithDefaults()
		return cfg, nil
	}
	return loadRelayConfig(path)
}

func run(cfg relayConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	worker, err := dispatch.NewWorker(bus, dispatch.EchoProcessor{Greeting: cfg.Greeting}, cfg.Service.Subjects)
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	svc, err := listener.NewService(cfg.Service, bus)
	if err != nil {
		return err
	}
	return svc.RunContext(ctx)
}

func openBus(cfg relayConfig) (dispatch.Bus, error) {
	if cfg.Bus == busNATS {
		bus, err := dispatch.DialNATS(cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("connect nats %q: %w", cfg.NATS.URL, err)
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("relayctl dispatch bus nats")
		return bus, nil
	}
	log.Info().Msg("relayctl dispatch bus local")
	return dispatch.NewLocalBus(dispatch.DefaultLocalQueueSize), nil
}
