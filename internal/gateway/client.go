package gateway

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/danmuck/edgerelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// SessionClient opens session connections to the listener.
type SessionClient struct {
	addr string
	cfg  session.Config
}

func NewSessionClient(addr string, cfg session.Config) (*SessionClient, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrSessionAddrRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return &SessionClient{addr: addr, cfg: cfg}, nil
}

func (c *SessionClient) Addr() string {
	return c.addr
}

// Dial connects with the configured timeout, retrying up to
// ReconnectAttempts more times with backoff between tries.
func (c *SessionClient) Dial(ctx context.Context) (net.Conn, error) {
	attempts := c.cfg.Attempts()
	var rng *rand.Rand
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := c.dialOnce(ctx)
		if err == nil {
			observability.RecordSessionDial("ok")
			return conn, nil
		}
		observability.RecordSessionDial("error")
		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("attempts", attempts).
			Str("addr", c.addr).
			Msg("gateway.SessionClient dial failed")
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		if err := session.SleepBackoff(ctx, c.cfg.Backoff, attempt, rng); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *SessionClient) dialOnce(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.ClientTLSConfig(c.addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}
