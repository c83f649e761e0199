package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/edgerelay/internal/config"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "relay", "config kind: gateway|relay")
	output := flag.String("output", "", "output path for config template (defaults to per-kind cmd path)")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime("configgen")
	if err := run(*kind, *output, *input, *validate, *force); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(kind, output, input string, validate, force bool) error {
	if validate {
		path := input
		if path == "" {
			def, err := config.DefaultPath(kind)
			if err != nil {
				return err
			}
			path = def
		}
		if err := config.Validate(kind, path); err != nil {
			return err
		}
		log.Info().Str("kind", kind).Str("path", path).Msg("validated config")
		return nil
	}

	target := output
	if target == "" {
		def, err := config.DefaultPath(kind)
		if err != nil {
			return err
		}
		target = def
	}
	if err := config.WriteTemplate(target, kind, force); err != nil {
		return err
	}
	log.Info().Str("kind", kind).Str("path", target).Msg("wrote config template")
	return nil
}
