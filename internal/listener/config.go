package listener

import (
	"strings"
	"time"

	"github.com/danmuck/edgerelay/internal/correlation"
	"github.com/danmuck/edgerelay/internal/dispatch"
	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/danmuck/edgerelay/internal/protocol/session"
)

// ServiceConfig configures the session endpoint.
type ServiceConfig struct {
	ListenAddr string
	AdminAddr  string

	// DispatchTimeout bounds how long a registered connection waits for its
	// response. Zero waits forever.
	DispatchTimeout time.Duration
	SweepInterval   time.Duration

	DuplicatePolicy correlation.DuplicatePolicy
	Framing         envelope.Framing
	MaxFrameBytes   int
	Subjects        dispatch.Subjects
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:      ":8081",
		DispatchTimeout: 30 * time.Second,
		SweepInterval:   time.Second,
		DuplicatePolicy: correlation.PolicyReplace,
		Framing:         envelope.FramingClose,
		MaxFrameBytes:   envelope.DefaultMaxFrameBytes,
		Subjects:        dispatch.DefaultSubjects(),
		Session:         session.DefaultConfig(),
	}
}

// WithDefaults fills zero-valued fields. A sweep interval longer than the
// dispatch timeout is clamped to it.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	c.AdminAddr = strings.TrimSpace(c.AdminAddr)
	if c.DispatchTimeout < 0 {
		c.DispatchTimeout = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.DispatchTimeout > 0 && c.SweepInterval > c.DispatchTimeout {
		c.SweepInterval = c.DispatchTimeout
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = def.DuplicatePolicy
	}
	if c.Framing == "" {
		c.Framing = def.Framing
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	c.Subjects = c.Subjects.WithDefaults()
	c.Session = c.Session.WithDefaults()
	return c
}

func (c ServiceConfig) Validate() error {
	if _, err := correlation.ParseDuplicatePolicy(string(c.DuplicatePolicy)); err != nil {
		return err
	}
	if _, err := envelope.ParseFraming(string(c.Framing)); err != nil {
		return err
	}
	return c.Session.ValidateServerTransport()
}
