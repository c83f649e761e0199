package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// StatusClientClosedRequest is reported when the caller goes away first.
const StatusClientClosedRequest = 499

var (
	ErrMissingIdentifier = errors.New("gateway: id parameter is required")
	ErrConnectFailure    = errors.New("gateway: session connect failed")
	ErrEmptyResponse     = errors.New("gateway: session connection closed without response")
	ErrRelayError        = errors.New("gateway: relay answered with an error envelope")
	ErrResponseTooLarge  = errors.New("gateway: session response too large")
	ErrSessionRead       = errors.New("gateway: session read failed")
)

// ConnectError reports a failed dial or request write on the session hop.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string {
	return "failed to connect to session server: " + e.Cause.Error()
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailure, e.Cause}
}

// Gateway relays one HTTP request per session connection.
type Gateway struct {
	cfg     Config
	client  *SessionClient
	started time.Time
}

func New(cfg Config) (*Gateway, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewSessionClient(cfg.SessionAddr, cfg.Session)
	if err != nil {
		return nil, err
	}
	return &Gateway{cfg: cfg, client: client, started: time.Now()}, nil
}

func (g *Gateway) Config() Config {
	return g.cfg
}

// Handle forwards requestURI under id and returns the raw response bytes.
// A relay error envelope is returned together with ErrRelayError.
func (g *Gateway) Handle(ctx context.Context, id, requestURI string) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrMissingIdentifier
	}
	req := envelope.Request{ID: id, Request: requestURI}

	conn, err := g.client.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectError{Cause: err}
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.Session.WriteTimeout))
	if err := envelope.WriteRequest(conn, req); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectError{Cause: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})

	body, err := g.readResponse(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyResponse
	}
	if isRelayError(body) {
		log.Warn().Str("id", id).Str("error", gjson.GetBytes(body, "error").String()).Msg("gateway.Handle relay error")
		return body, ErrRelayError
	}
	return body, nil
}

func (g *Gateway) readResponse(conn io.Reader) ([]byte, error) {
	limit := g.cfg.MaxResponseBytes
	if g.cfg.Framing == envelope.FramingLine {
		frame, err := envelope.ReadFrame(bufio.NewReader(conn), limit)
		switch {
		case err == nil:
			return frame, nil
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return frame, nil
		case errors.Is(err, io.EOF):
			return nil, ErrEmptyResponse
		case errors.Is(err, envelope.ErrFrameTooLarge):
			return nil, fmt.Errorf("%w: limit=%d", ErrResponseTooLarge, limit)
		default:
			return nil, fmt.Errorf("%w: %v", ErrSessionRead, err)
		}
	}
	body, err := io.ReadAll(io.LimitReader(conn, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionRead, err)
	}
	if len(body) > limit {
		return nil, fmt.Errorf("%w: limit=%d", ErrResponseTooLarge, limit)
	}
	return body, nil
}

// isRelayError matches envelopes the listener synthesises itself.
func isRelayError(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	res := gjson.ParseBytes(body)
	return res.Get("error").Exists() && !res.Get("response").Exists()
}

// StatusFor maps a Handle error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, ErrConnectFailure),
		errors.Is(err, ErrResponseTooLarge),
		errors.Is(err, ErrSessionRead):
		return http.StatusBadGateway
	case errors.Is(err, ErrEmptyResponse),
		errors.Is(err, ErrRelayError),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorMessage renders err for the JSON error body.
func ErrorMessage(err error) string {
	var connectErr *ConnectError
	switch {
	case errors.As(err, &connectErr):
		return connectErr.Error()
	case errors.Is(err, ErrMissingIdentifier):
		return "id parameter is required"
	case errors.Is(err, ErrEmptyResponse):
		return "session connection closed without response"
	case errors.Is(err, ErrResponseTooLarge):
		return "session response too large"
	case errors.Is(err, context.DeadlineExceeded):
		return "session response timed out"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return err.Error()
	}
}
