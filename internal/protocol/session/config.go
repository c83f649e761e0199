package session

import "time"

// SecurityMode selects how strictly transport policy is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig describes optional TLS on the session hop.
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines session transport defaults shared by both ends.
type Config struct {
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	WriteTimeout      time.Duration
	Backoff           BackoffConfig
	SecurityMode      SecurityMode
	TLS               TLSConfig
}

// DefaultConfig returns the session defaults: 5s connect timeout and two reconnects.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		ReconnectAttempts: 2,
		WriteTimeout:      15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

// Attempts is the total dial budget: the first try plus reconnects.
func (c Config) Attempts() int {
	if c.ReconnectAttempts < 0 {
		return 1
	}
	return 1 + c.ReconnectAttempts
}
