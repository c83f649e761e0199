package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgerelay/internal/config"
	"github.com/danmuck/edgerelay/internal/correlation"
	"github.com/danmuck/edgerelay/internal/dispatch"
	"github.com/danmuck/edgerelay/internal/listener"
	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/danmuck/edgerelay/internal/protocol/session"
)

const (
	busLocal = "local"
	busNATS  = "nats"
)

// relayConfig is everything relayctl wires: listener, bus and worker.
type relayConfig struct {
	Service  listener.ServiceConfig
	Bus      string
	NATS     dispatch.NATSConfig
	Greeting string
}

func defaultRelayConfig() relayConfig {
	return relayConfig{
		Service:  listener.DefaultServiceConfig(),
		Bus:      busLocal,
		NATS:     dispatch.DefaultNATSConfig(),
		Greeting: dispatch.DefaultGreeting,
	}
}

// relayctl loader for TOML config with default overlay.
func loadRelayConfig(path string) (relayConfig, error) {
	cfg := defaultRelayConfig()

	var raw config.RelayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relayConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return relayConfig{}, fmt.Errorf("load relay config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Service.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("dispatch_timeout") {
		d, err := config.ParseDuration("dispatch_timeout", raw.DispatchTimeout)
		if err != nil {
			return relayConfig{}, fmt.Errorf("load relay config: %w", err)
		}
		if d < 0 {
			return relayConfig{}, fmt.Errorf("load relay config: dispatch_timeout must be >= 0")
		}
		cfg.Service.DispatchTimeout = d
	}
	if meta.IsDefined("sweep_interval") {
		d, err := config.ParseDuration("sweep_interval", raw.SweepInterval)
		if err != nil {
			return relayConfig{}, fmt.Errorf("load relay config: %w", err)
		}
		cfg.Service.SweepInterval = d
	}
	if meta.IsDefined("duplicate_policy") {
		policy, err := correlation.ParseDuplicatePolicy(raw.DuplicatePolicy)
		if err != nil {
			return relayConfig{}, fmt.Errorf("load relay config: %w", err)
		}
		cfg.Service.DuplicatePolicy = policy
	}
	if meta.IsDefined("framing") {
		framing, err := envelope.ParseFraming(raw.Framing)
		if err != nil {
			return relayConfig{}, fmt.Errorf("load relay config: %w", err)
		}
		cfg.Service.Framing = framing
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Service.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("bus") {
		cfg.Bus = strings.ToLower(strings.TrimSpace(raw.Bus))
	}
	if meta.IsDefined("nats_url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("request_subject") {
		cfg.Service.Subjects.Request = strings.TrimSpace(raw.RequestSubject)
	}
	if meta.IsDefined("response_subject") {
		cfg.Service.Subjects.Response = strings.TrimSpace(raw.ResponseSubject)
	}
	if meta.IsDefined("greeting") {
		cfg.Greeting = raw.Greeting
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Service.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Service.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Service.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Service.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}

	switch cfg.Bus {
	case "", busLocal:
		cfg.Bus = busLocal
	case busNATS:
		if cfg.NATS.URL == "" {
			return relayConfig{}, fmt.Errorf("load relay config: nats_url required when bus = %q", busNATS)
		}
	default:
		return relayConfig{}, fmt.Errorf("load relay config: unsupported bus %q (expected local|nats)", cfg.Bus)
	}

	cfg.Service = cfg.Service.WithDefaults()
	if err := cfg.Service.Validate(); err != nil {
		return relayConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	return cfg, nil
}
