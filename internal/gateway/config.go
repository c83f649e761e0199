package gateway

import (
	"errors"
	"strings"

	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/danmuck/edgerelay/internal/protocol/session"
)

const DefaultMaxResponseBytes = 1 << 20

var ErrSessionAddrRequired = errors.New("gateway: session address required")

type Config struct {
	Addr        string
	SessionAddr string
	Framing     envelope.Framing

	// MaxResponseBytes caps one session response body.
	MaxResponseBytes int
	CORSOrigins      []string
	Session          session.Config
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		SessionAddr:      "127.0.0.1:8081",
		Framing:          envelope.FramingClose,
		MaxResponseBytes: DefaultMaxResponseBytes,
		Session:          session.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	c.SessionAddr = strings.TrimSpace(c.SessionAddr)
	if c.Framing == "" {
		c.Framing = def.Framing
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = def.MaxResponseBytes
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.SessionAddr == "" {
		return ErrSessionAddrRequired
	}
	if _, err := envelope.ParseFraming(string(c.Framing)); err != nil {
		return err
	}
	return c.Session.ValidateClientTransport()
}
