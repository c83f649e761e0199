package listener

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/edgerelay/internal/correlation"
	"github.com/danmuck/edgerelay/internal/dispatch"
	"github.com/danmuck/edgerelay/internal/node"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

var ErrNilBus = errors.New("listener: nil dispatch bus")

// Messages carried in relay-synthesised error envelopes.
const (
	ErrorDispatchTimeout = "dispatch timeout"
	ErrorDuplicateID     = "duplicate id in flight"
)

// connState tracks one session connection through its lifecycle.
type connState int

const (
	stateAccepted connState = iota
	stateParsed
	stateRegistered
	stateResponded
	stateTimedOut
	statePeerClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateParsed:
		return "parsed"
	case stateRegistered:
		return "registered"
	case stateResponded:
		return "responded"
	case stateTimedOut:
		return "timed_out"
	case statePeerClosed:
		return "peer_closed"
	default:
		return "unknown"
	}
}

// Service accepts session connections and routes dispatch responses back
// to them.
type Service struct {
	cfg     ServiceConfig
	bus     dispatch.Bus
	table   *correlation.Table
	started time.Time
	ready   atomic.Bool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	clientCount atomic.Int64
}

func NewService(cfg ServiceConfig, bus dispatch.Bus) (*Service, error) {
	if bus == nil {
		return nil, ErrNilBus
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table := correlation.New(correlation.Options{
		Policy:  cfg.DuplicatePolicy,
		TTL:     cfg.DispatchTimeout,
		Observe: observability.SetCorrelationEntries,
	})
	return &Service{
		cfg:     cfg,
		bus:     bus,
		table:   table,
		started: time.Now(),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Table exposes the correlation table for inspection.
func (s *Service) Table() *correlation.Table {
	return s.table
}

// Run listens on the configured address and blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	ln, err := s.cfg.Session.Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Str("framing", string(s.cfg.Framing)).
		Str("duplicate_policy", string(s.cfg.DuplicatePolicy)).
		Dur("dispatch_timeout", s.cfg.DispatchTimeout).
		Msg("listener.Service.Run listening")

	adminErr := make(chan error, 1)
	if s.cfg.AdminAddr != "" {
		go func() {
			adminErr <- node.Serve(ctx, s, s.cfg.AdminAddr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Serve subscribes to dispatch responses, starts the deadline sweep and
// runs the accept loop on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	sub, err := s.bus.Subscribe(ctx, s.cfg.Subjects.Response, s.OnDispatchResponse)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if s.cfg.DispatchTimeout > 0 {
		go s.sweepLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		s.ready.Store(false)
		s.closeAllConns()
		_ = ln.Close()
	}()
	s.ready.Store(true)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("listener.session client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("listener.session client disconnected")
	}()

	state := stateAccepted
	var id, token string
	reader := bufio.NewReader(conn)
	for {
		frame, err := envelope.ReadFrame(reader, s.cfg.MaxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, envelope.ErrFrameTooLarge):
				observability.RecordListenerFrame("too_large")
				log.Warn().Str("remote", remote).Int("max_frame_bytes", s.cfg.MaxFrameBytes).Msg("listener.handleConn frame too large")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				log.Debug().Err(err).Str("remote", remote).Msg("listener.handleConn read")
			}
			break
		}
		if state == stateRegistered {
			observability.RecordListenerFrame("ignored")
			log.Warn().Str("remote", remote).Str("id", id).Msg("listener.handleConn frame after registration ignored")
			continue
		}

		req, err := envelope.ParseRequest(frame)
		if err != nil {
			observability.RecordListenerFrame("malformed")
			log.Warn().Err(err).Str("remote", remote).Msg("listener.handleConn malformed frame dropped")
			continue
		}
		observability.RecordListenerFrame("parsed")
		state = stateParsed

		reg, err := s.table.Insert(req.ID, conn)
		if err != nil {
			if errors.Is(err, correlation.ErrDuplicateID) {
				s.reject(conn, req.ID)
				return
			}
			log.Warn().Err(err).Str("remote", remote).Str("id", req.ID).Msg("listener.handleConn register failed")
			return
		}
		state = stateRegistered
		id, token = reg.Entry.ID, reg.Entry.Token
		if reg.Displaced != nil {
			s.displace(*reg.Displaced, token)
		}
		log.Debug().Str("id", id).Str("session", token).Str("remote", remote).Stringer("state", state).Msg("listener.handleConn registered")

		payload, err := json.Marshal(req)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("listener.handleConn encode request")
			break
		}
		if err := s.bus.Publish(ctx, s.cfg.Subjects.Request, payload); err != nil {
			log.Warn().Err(err).Str("id", id).Str("session", token).Msg("listener.handleConn dispatch publish failed")
			break
		}
	}

	if entry, ok := s.table.RemoveByConnection(conn); ok {
		log.Info().
			Str("id", entry.ID).
			Str("session", entry.Token).
			Stringer("state", statePeerClosed).
			Msg("listener.handleConn connection closed before response")
	}
}

// OnDispatchResponse routes one response envelope from the bus to the
// connection registered under its id. Responses for unknown ids are
// logged and dropped. The entry is removed before returning; the write
// runs on its own goroutine so a slow peer does not hold up the bus.
func (s *Service) OnDispatchResponse(_ context.Context, data []byte) {
	resp, err := envelope.ParseResponse(data)
	if err != nil {
		observability.RecordListenerResponse("undecodable")
		log.Warn().Err(err).Msg("listener.OnDispatchResponse undecodable response dropped")
		return
	}
	entry, ok := s.table.RemoveIfPresent(resp.ID)
	if !ok {
		observability.RecordListenerResponse("orphaned")
		log.Warn().Str("id", resp.ID).Msg("listener.OnDispatchResponse orphaned response")
		return
	}
	go s.deliver(entry, resp, stateResponded)
}

// deliver writes resp to a connection already removed from the table and
// closes it.
func (s *Service) deliver(entry correlation.Entry, resp envelope.Response, state connState) {
	defer entry.Conn.Close()
	payload, err := envelope.EncodeResponse(resp, s.cfg.Framing)
	if err != nil {
		observability.RecordListenerResponse("write_failed")
		log.Warn().Err(err).Str("id", entry.ID).Msg("listener.deliver encode")
		return
	}
	s.setWriteDeadline(entry.Conn)
	if _, err := entry.Conn.Write(payload); err != nil {
		observability.RecordListenerResponse("write_failed")
		log.Warn().Err(err).Str("id", entry.ID).Str("session", entry.Token).Msg("listener.deliver write failed")
		return
	}
	outcome := "delivered"
	if state == stateTimedOut {
		outcome = "timed_out"
	}
	observability.RecordListenerResponse(outcome)
	log.Info().
		Str("id", entry.ID).
		Str("session", entry.Token).
		Stringer("state", state).
		Dur("elapsed", time.Since(entry.RegisteredAt)).
		Msg("listener.deliver response written")
}

func (s *Service) reject(conn net.Conn, id string) {
	observability.RecordListenerResponse("rejected")
	log.Warn().Str("id", id).Str("remote", conn.RemoteAddr().String()).Msg("listener.handleConn duplicate id rejected")
	payload, err := envelope.EncodeResponse(envelope.ErrorResponse(id, ErrorDuplicateID), s.cfg.Framing)
	if err != nil {
		return
	}
	s.setWriteDeadline(conn)
	_, _ = conn.Write(payload)
}

// displace closes a connection whose id was rebound to a newer session.
// Its entry is already gone from the table, so nothing else would answer it.
func (s *Service) displace(entry correlation.Entry, token string) {
	observability.RecordListenerResponse("displaced")
	log.Warn().
		Str("id", entry.ID).
		Str("session", token).
		Str("displaced_session", entry.Token).
		Msg("listener.handleConn duplicate id replaced live entry")
	if err := entry.Conn.Close(); err != nil {
		log.Debug().Err(err).Str("id", entry.ID).Msg("listener.displace close")
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep answers every entry past its deadline with a timeout envelope.
func (s *Service) sweep(now time.Time) int {
	expired := s.table.Expire(now)
	for _, entry := range expired {
		go s.deliver(entry, envelope.ErrorResponse(entry.ID, ErrorDispatchTimeout), stateTimedOut)
	}
	return len(expired)
}

func (s *Service) setWriteDeadline(conn correlation.Conn) {
	if d, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
