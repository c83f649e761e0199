package envelope

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/danmuck/edgerelay/internal/testutil/testlog"
)

func TestWriteRequestIsSingleLine(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteRequest(&buf, Request{ID: "abc", Request: "/api?id=abc"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if got := buf.String(); got != "{\"id\":\"abc\",\"request\":\"/api?id=abc\"}\n" {
		t.Fatalf("unexpected frame: %q", got)
	}

	frame, err := ReadFrame(bufio.NewReader(&buf), 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	req, err := ParseRequest(frame)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	if req.ID != "abc" || req.Request != "/api?id=abc" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestWriteRequestRejectsBlankID(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteRequest(&buf, Request{ID: "  "}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %q", buf.String())
	}
}

func TestParseRequestMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		`not json`,
		`{"request":"/api"}`,
		`{"id":"   ","request":"/api"}`,
		`{"id":42}`,
	}
	for _, raw := range cases {
		if _, err := ParseRequest([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", raw, err)
		}
	}
}

func TestReadFrameSequenceAndEOF(t *testing.T) {
	testlog.Start(t)
	r := bufio.NewReader(strings.NewReader("first\r\nsecond\ntrailing"))
	first, err := ReadFrame(r, 0)
	if err != nil || string(first) != "first" {
		t.Fatalf("first frame=%q err=%v", first, err)
	}
	second, err := ReadFrame(r, 0)
	if err != nil || string(second) != "second" {
		t.Fatalf("second frame=%q err=%v", second, err)
	}
	tail, err := ReadFrame(r, 0)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for unterminated tail, got %v", err)
	}
	if string(tail) != "trailing" {
		t.Fatalf("unterminated tail=%q", tail)
	}
	if rest, err := ReadFrame(r, 0); len(rest) != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected bare EOF after tail, got %q %v", rest, err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	testlog.Start(t)
	big := strings.Repeat("x", 10000) + "\n"
	r := bufio.NewReaderSize(strings.NewReader(big), 16)
	if _, err := ReadFrame(r, 1024); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	exact := strings.Repeat("y", 32) + "\n"
	frame, err := ReadFrame(bufio.NewReaderSize(strings.NewReader(exact), 16), 32)
	if err != nil || len(frame) != 32 {
		t.Fatalf("exact-size frame len=%d err=%v", len(frame), err)
	}
}

func TestEncodeResponseFieldOrderAndFraming(t *testing.T) {
	testlog.Start(t)
	resp := Response{ID: "abc", Response: []byte(`"Hello world!"`)}

	closeFramed, err := EncodeResponse(resp, FramingClose)
	if err != nil {
		t.Fatalf("encode close framing: %v", err)
	}
	if string(closeFramed) != `{"id":"abc","response":"Hello world!"}` {
		t.Fatalf("unexpected close-framed body: %s", closeFramed)
	}

	lineFramed, err := EncodeResponse(resp, FramingLine)
	if err != nil {
		t.Fatalf("encode line framing: %v", err)
	}
	if string(lineFramed) != `{"id":"abc","response":"Hello world!"}`+"\n" {
		t.Fatalf("unexpected line-framed body: %q", lineFramed)
	}

	failure, err := EncodeResponse(ErrorResponse("abc", "dispatch timeout"), FramingClose)
	if err != nil {
		t.Fatalf("encode error response: %v", err)
	}
	if string(failure) != `{"id":"abc","error":"dispatch timeout"}` {
		t.Fatalf("unexpected error body: %s", failure)
	}
}

func TestParseResponse(t *testing.T) {
	testlog.Start(t)
	resp, err := ParseResponse([]byte(`{"id":"abc","response":{"n":1}}`))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.ID != "abc" || string(resp.Response) != `{"n":1}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, err := ParseResponse([]byte(`{"response":"x"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseFraming(t *testing.T) {
	testlog.Start(t)
	if f, err := ParseFraming(""); err != nil || f != FramingClose {
		t.Fatalf("default framing=%q err=%v", f, err)
	}
	if f, err := ParseFraming(" LINE "); err != nil || f != FramingLine {
		t.Fatalf("line framing=%q err=%v", f, err)
	}
	if _, err := ParseFraming("length"); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected ErrUnknownFrame, got %v", err)
	}
}
