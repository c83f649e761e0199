package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// GatewayFile is the gatewayctl config.toml layout.
type GatewayFile struct {
	Addr                   string   `toml:"addr"`
	SessionAddr            string   `toml:"session_addr"`
	ConnectTimeout         string   `toml:"connect_timeout"`
	ReconnectAttempts      int      `toml:"reconnect_attempts"`
	Framing                string   `toml:"framing"`
	MaxResponseBytes       int      `toml:"max_response_bytes"`
	CorsOrigins            []string `toml:"cors_origins"`
	SessionSecurityMode    string   `toml:"session_security_mode"`
	SessionTLSEnabled      bool     `toml:"session_tls_enabled"`
	SessionTLSCAFile       string   `toml:"session_tls_ca_file"`
	SessionTLSServerName   string   `toml:"session_tls_server_name"`
	SessionTLSInsecureSkip bool     `toml:"session_tls_insecure_skip_verify"`
}

// RelayFile is the relayctl config.toml layout.
type RelayFile struct {
	Addr                string `toml:"addr"`
	AdminAddr           string `toml:"admin_addr"`
	DispatchTimeout     string `toml:"dispatch_timeout"`
	SweepInterval       string `toml:"sweep_interval"`
	DuplicatePolicy     string `toml:"duplicate_policy"`
	Framing             string `toml:"framing"`
	MaxFrameBytes       int    `toml:"max_frame_bytes"`
	Bus                 string `toml:"bus"`
	NATSURL             string `toml:"nats_url"`
	RequestSubject      string `toml:"request_subject"`
	ResponseSubject     string `toml:"response_subject"`
	Greeting            string `toml:"greeting"`
	SessionSecurityMode string `toml:"session_security_mode"`
	SessionTLSEnabled   bool   `toml:"session_tls_enabled"`
	SessionTLSCertFile  string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string `toml:"session_tls_key_file"`
}

func LoadGatewayFile(path string) (GatewayFile, error) {
	var cfg GatewayFile
	if err := loadToml(path, &cfg); err != nil {
		return GatewayFile{}, err
	}
	if err := ValidateGatewayFile(cfg); err != nil {
		return GatewayFile{}, err
	}
	return cfg, nil
}

func LoadRelayFile(path string) (RelayFile, error) {
	var cfg RelayFile
	if err := loadToml(path, &cfg); err != nil {
		return RelayFile{}, err
	}
	if err := ValidateRelayFile(cfg); err != nil {
		return RelayFile{}, err
	}
	return cfg, nil
}

// loadToml decodes strictly; unknown keys are an error.
func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateGatewayFile(cfg GatewayFile) error {
	if strings.TrimSpace(cfg.SessionAddr) == "" {
		return fmt.Errorf("gateway config missing session_addr")
	}
	if _, err := ParseDuration("connect_timeout", cfg.ConnectTimeout); err != nil {
		return err
	}
	if cfg.ReconnectAttempts < 0 {
		return fmt.Errorf("gateway config reconnect_attempts must be >= 0")
	}
	if cfg.MaxResponseBytes < 0 {
		return fmt.Errorf("gateway config max_response_bytes must be >= 0")
	}
	if err := validateOneOf("framing", cfg.Framing, "close", "line"); err != nil {
		return err
	}
	if err := validateOneOf("session_security_mode", cfg.SessionSecurityMode, "development", "production"); err != nil {
		return err
	}
	if cfg.SessionTLSEnabled && strings.TrimSpace(cfg.SessionTLSCAFile) == "" && !cfg.SessionTLSInsecureSkip {
		return fmt.Errorf("gateway config session_tls_ca_file required when session_tls_enabled")
	}
	return nil
}

func ValidateRelayFile(cfg RelayFile) error {
	timeout, err := ParseDuration("dispatch_timeout", cfg.DispatchTimeout)
	if err != nil {
		return err
	}
	if timeout < 0 {
		return fmt.Errorf("relay config dispatch_timeout must be >= 0")
	}
	if _, err := ParseDuration("sweep_interval", cfg.SweepInterval); err != nil {
		return err
	}
	if cfg.MaxFrameBytes < 0 {
		return fmt.Errorf("relay config max_frame_bytes must be >= 0")
	}
	if err := validateOneOf("duplicate_policy", cfg.DuplicatePolicy, "replace", "reject"); err != nil {
		return err
	}
	if err := validateOneOf("framing", cfg.Framing, "close", "line"); err != nil {
		return err
	}
	if err := validateOneOf("bus", cfg.Bus, "local", "nats"); err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Bus), "nats") && strings.TrimSpace(cfg.NATSURL) == "" {
		return fmt.Errorf("relay config nats_url required when bus = \"nats\"")
	}
	if err := validateOneOf("session_security_mode", cfg.SessionSecurityMode, "development", "production"); err != nil {
		return err
	}
	if cfg.SessionTLSEnabled {
		if strings.TrimSpace(cfg.SessionTLSCertFile) == "" {
			return fmt.Errorf("relay config session_tls_cert_file required when session_tls_enabled")
		}
		if strings.TrimSpace(cfg.SessionTLSKeyFile) == "" {
			return fmt.Errorf("relay config session_tls_key_file required when session_tls_enabled")
		}
	}
	return nil
}

// ParseDuration parses a Go duration string; blank means zero.
func ParseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	return d, nil
}

// validateOneOf accepts blank (use the default) or one of allowed.
func validateOneOf(key, raw string, allowed ...string) error {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("config %s: unsupported value %q (expected %s)", key, raw, strings.Join(allowed, "|"))
}
