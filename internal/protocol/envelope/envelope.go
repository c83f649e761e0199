package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultMaxFrameBytes = 64 * 1024

var (
	ErrMalformed     = errors.New("envelope: malformed frame")
	ErrMissingID     = errors.New("envelope: missing id")
	ErrFrameTooLarge = errors.New("envelope: frame too large")
	ErrUnknownFrame  = errors.New("envelope: unknown framing")
)

// Framing selects how a response frame boundary is signalled.
type Framing string

const (
	FramingClose Framing = "close"
	FramingLine  Framing = "line"
)

func ParseFraming(raw string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FramingClose:
		return FramingClose, nil
	case FramingLine:
		return FramingLine, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFrame, raw)
	}
}

// Request is the gateway->listener envelope.
type Request struct {
	ID      string `json:"id"`
	Request string `json:"request"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrMissingID
	}
	return nil
}

// Response is the dispatcher->listener->gateway envelope. Error is set only
// on envelopes the relay synthesises itself.
type Response struct {
	ID       string          `json:"id"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (r Response) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrMissingID
	}
	return nil
}

// ErrorResponse builds a relay-synthesised failure envelope for id.
func ErrorResponse(id, message string) Response {
	return Response{ID: id, Error: message}
}

// WriteRequest writes req as a single newline-terminated frame.
func WriteRequest(w io.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// ReadFrame returns the next newline-terminated frame without its terminator.
// A frame longer than maxBytes yields ErrFrameTooLarge. An unterminated tail
// before EOF is returned together with the read error.
func ReadFrame(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > maxBytes+1 {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// ParseRequest decodes one request frame; any decode failure or blank id is ErrMalformed.
func ParseRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(frame), &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return req, nil
}

func ParseResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := resp.Validate(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}

// EncodeResponse renders resp for the session hop under framing.
func EncodeResponse(resp Response, framing Framing) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if framing == FramingLine {
		payload = append(payload, '\n')
	}
	return payload, nil
}
