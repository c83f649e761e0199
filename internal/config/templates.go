package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gateway":
		return gatewayTemplate, nil
	case "relay":
		return relayTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// DefaultPath is where each binary looks for its config by default.
func DefaultPath(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gateway":
		return "cmd/gatewayctl/config.toml", nil
	case "relay":
		return "cmd/relayctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(kind, path string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gateway":
		_, err := LoadGatewayFile(path)
		return err
	case "relay":
		_, err := LoadRelayFile(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const gatewayTemplate = `addr = ":8080"
session_addr = "127.0.0.1:8081"
connect_timeout = "5s"
reconnect_attempts = 2
framing = "close"
max_response_bytes = 1048576
cors_origins = ["http://localhost:3000"]
session_security_mode = "development"
session_tls_enabled = false
session_tls_ca_file = ""
session_tls_server_name = ""
session_tls_insecure_skip_verify = false
`

const relayTemplate = `addr = ":8081"
admin_addr = "127.0.0.1:9081"
dispatch_timeout = "30s"
sweep_interval = "1s"
duplicate_policy = "replace"
framing = "close"
max_frame_bytes = 65536
bus = "local"
nats_url = "nats://127.0.0.1:4222"
request_subject = "relay.worker.request"
response_subject = "relay.worker.response"
greeting = "Hello world!"
session_security_mode = "development"
session_tls_enabled = false
session_tls_cert_file = ""
session_tls_key_file = ""
`
