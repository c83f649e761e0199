package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/edgerelay/internal/gateway"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/gatewayctl/config.toml", "gateway config path")
	flag.Parse()

	logging.ConfigureRuntime("gatewayctl")
	gin.SetMode(gin.ReleaseMode)

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
	g, err := gateway.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
	if err := g.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig falls back to defaults when path does not exist.
func resolveConfig(path string) (gateway.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("gatewayctl config not found, using defaults")
		return gateway.DefaultConfig().WithDefaults(), nil
	}
	return loadGatewayConfig(path)
}
