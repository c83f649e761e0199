package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

var ErrNATSURLRequired = errors.New("dispatch: nats url required")

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "edgerelay",
		ConnectTimeout: 5 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
	}
}

// NATSBus carries dispatch traffic over NATS core pub/sub, which is
// at-most-once like the in-process bus.
type NATSBus struct {
	conn  *nats.Conn
	owned bool
}

// DialNATS connects to cfg.URL and returns a bus that owns the connection.
func DialNATS(cfg NATSConfig) (*NATSBus, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrNATSURLRequired
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("dispatch.NATSBus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("dispatch.NATSBus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn().Err(err).Str("subject", subject).Msg("dispatch.NATSBus async error")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSBus{conn: nc, owned: true}, nil
}

// NewNATSBus wraps an existing connection; Close leaves it open.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{conn: nc}
}

func (b *NATSBus) Publish(_ context.Context, subject string, data []byte) error {
	if strings.TrimSpace(subject) == "" {
		return ErrSubjectRequired
	}
	if b.conn == nil || b.conn.IsClosed() {
		return ErrBusClosed
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, ErrSubjectRequired
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if b.conn == nil || b.conn.IsClosed() {
		return nil, ErrBusClosed
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return watchNATSSubscription(ctx, sub), nil
}

// natsSubscription ends the NATS interest on ctx cancel or on an explicit
// Unsubscribe, whichever comes first.
type natsSubscription struct {
	sub      *nats.Subscription
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func watchNATSSubscription(ctx context.Context, sub *nats.Subscription) *natsSubscription {
	s := &natsSubscription{
		sub:     sub,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(s.stopped)
		select {
		case <-ctx.Done():
			_ = s.Unsubscribe()
		case <-s.done:
		}
	}()
	return s
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.sub != nil && s.sub.IsValid() {
			err = s.sub.Unsubscribe()
		}
	})
	return err
}

// Flush round-trips to the server so prior Subscribe calls are active.
func (b *NATSBus) Flush(ctx context.Context) error {
	if b.conn == nil {
		return ErrBusClosed
	}
	return b.conn.FlushWithContext(ctx)
}

func (b *NATSBus) Close() error {
	if b.conn == nil || !b.owned {
		return nil
	}
	b.conn.Close()
	return nil
}
