package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgerelay/internal/config"
	"github.com/danmuck/edgerelay/internal/gateway"
	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/danmuck/edgerelay/internal/protocol/session"
)

// gatewayctl loader for TOML config with default overlay.
func loadGatewayConfig(path string) (gateway.Config, error) {
	cfg := gateway.DefaultConfig()

	var raw config.GatewayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("load gateway config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return gateway.Config{}, fmt.Errorf("load gateway config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("session_addr") {
		cfg.SessionAddr = strings.TrimSpace(raw.SessionAddr)
	}
	if meta.IsDefined("connect_timeout") {
		d, err := config.ParseDuration("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return gateway.Config{}, fmt.Errorf("load gateway config: %w", err)
		}
		cfg.Session.ConnectTimeout = d
	}
	if meta.IsDefined("reconnect_attempts") {
		if raw.ReconnectAttempts < 0 {
			return gateway.Config{}, fmt.Errorf("load gateway config: reconnect_attempts must be >= 0")
		}
		cfg.Session.ReconnectAttempts = raw.ReconnectAttempts
	}
	if meta.IsDefined("framing") {
		framing, err := envelope.ParseFraming(raw.Framing)
		if err != nil {
			return gateway.Config{}, fmt.Errorf("load gateway config: %w", err)
		}
		cfg.Framing = framing
	}
	if meta.IsDefined("max_response_bytes") {
		cfg.MaxResponseBytes = raw.MaxResponseBytes
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServerName)
	}
	if meta.IsDefined("session_tls_insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.SessionTLSInsecureSkip
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return gateway.Config{}, fmt.Errorf("load gateway config: %w", err)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		if origin := strings.TrimSpace(raw); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
