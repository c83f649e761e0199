package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/correlation"
	"github.com/danmuck/edgerelay/internal/dispatch"
	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/danmuck/edgerelay/internal/testutil/testlog"
)

type testRelay struct {
	svc  *Service
	bus  *dispatch.LocalBus
	addr string
}

func startRelay(t *testing.T, cfg ServiceConfig, withWorker bool) *testRelay {
	t.Helper()
	bus := dispatch.NewLocalBus(0)
	ctx, cancel := context.WithCancel(context.Background())

	if withWorker {
		w, err := dispatch.NewWorker(bus, dispatch.EchoProcessor{}, cfg.Subjects)
		if err != nil {
			t.Fatalf("new worker: %v", err)
		}
		if err := w.Start(ctx); err != nil {
			t.Fatalf("start worker: %v", err)
		}
	}
	svc, err := NewService(cfg, bus)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	waitFor(t, "service ready", svc.ready.Load)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve exit err: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("serve did not exit")
		}
		_ = bus.Close()
	})
	return &testRelay{svc: svc, bus: bus, addr: ln.Addr().String()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func send(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	body, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read until close: %v", err)
	}
	return string(body)
}

func TestServiceRoundTrip(t *testing.T) {
	testlog.Start(t)
	relay := startRelay(t, DefaultServiceConfig(), true)

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"abc","request":"/api?id=abc"}`)
	if got, want := readAll(t, conn), `{"id":"abc","response":"Hello world!"}`; got != want {
		t.Fatalf("unexpected response body: got %q want %q", got, want)
	}
	waitFor(t, "table drained", func() bool { return relay.svc.Table().Len() == 0 })
}

func TestServiceMalformedFrameLeavesConnectionOpen(t *testing.T) {
	testlog.Start(t)
	relay := startRelay(t, DefaultServiceConfig(), true)

	conn := dial(t, relay.addr)
	send(t, conn, `not json`)
	send(t, conn, `{"request":"/api"}`)
	send(t, conn, `{"id":"  ","request":"/api"}`)
	if n := relay.svc.Table().Len(); n != 0 {
		t.Fatalf("malformed frames must not register, len=%d", n)
	}
	send(t, conn, `{"id":"late","request":"/api?id=late"}`)
	if got, want := readAll(t, conn), `{"id":"late","response":"Hello world!"}`; got != want {
		t.Fatalf("unexpected response body: got %q want %q", got, want)
	}
}

func TestServiceOrphanedAndUndecodableResponses(t *testing.T) {
	testlog.Start(t)
	relay := startRelay(t, DefaultServiceConfig(), false)

	relay.svc.OnDispatchResponse(context.Background(), []byte(`{"id":"nobody","response":"x"}`))
	relay.svc.OnDispatchResponse(context.Background(), []byte(`garbage`))
	relay.svc.OnDispatchResponse(context.Background(), []byte(`{"response":"x"}`))

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"once","request":"/api"}`)
	waitFor(t, "registration", func() bool { return relay.svc.Table().Len() == 1 })

	relay.svc.OnDispatchResponse(context.Background(), []byte(`{"id":"once","response":"first"}`))
	relay.svc.OnDispatchResponse(context.Background(), []byte(`{"id":"once","response":"second"}`))
	if got, want := readAll(t, conn), `{"id":"once","response":"first"}`; got != want {
		t.Fatalf("unexpected response body: got %q want %q", got, want)
	}
}

func TestServiceDispatchTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.DispatchTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	relay := startRelay(t, cfg, false)

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"slow","request":"/api?id=slow"}`)
	if got, want := readAll(t, conn), `{"id":"slow","error":"dispatch timeout"}`; got != want {
		t.Fatalf("unexpected timeout body: got %q want %q", got, want)
	}
	if n := relay.svc.Table().Len(); n != 0 {
		t.Fatalf("expected expired entry removed, len=%d", n)
	}
}

func TestServiceSweepAfterResponseIsNoop(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.DispatchTimeout = time.Hour
	relay := startRelay(t, cfg, true)

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"fast","request":"/api"}`)
	readAll(t, conn)
	if n := relay.svc.sweep(time.Now().Add(2 * time.Hour)); n != 0 {
		t.Fatalf("expected no expired entries after delivery, got %d", n)
	}
}

func TestServiceDuplicateReject(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.DuplicatePolicy = correlation.PolicyReject
	relay := startRelay(t, cfg, false)

	first := dial(t, relay.addr)
	send(t, first, `{"id":"dup","request":"/api?id=dup"}`)
	waitFor(t, "first registration", func() bool { return relay.svc.Table().Len() == 1 })

	second := dial(t, relay.addr)
	send(t, second, `{"id":"dup","request":"/api?id=dup"}`)
	if got, want := readAll(t, second), `{"id":"dup","error":"duplicate id in flight"}`; got != want {
		t.Fatalf("unexpected reject body: got %q want %q", got, want)
	}

	relay.svc.OnDispatchResponse(context.Background(), []byte(`{"id":"dup","response":"Hello world!"}`))
	if got, want := readAll(t, first), `{"id":"dup","response":"Hello world!"}`; got != want {
		t.Fatalf("first connection lost its response: got %q want %q", got, want)
	}
}

func TestServiceDuplicateReplace(t *testing.T) {
	testlog.Start(t)
	relay := startRelay(t, DefaultServiceConfig(), false)

	first := dial(t, relay.addr)
	send(t, first, `{"id":"dup","request":"/api"}`)
	waitFor(t, "first registration", func() bool { return relay.svc.Table().Len() == 1 })
	firstToken := relay.svc.Table().Snapshot()[0].Token

	second := dial(t, relay.addr)
	send(t, second, `{"id":"dup","request":"/api"}`)
	waitFor(t, "replacement", func() bool {
		snap := relay.svc.Table().Snapshot()
		return len(snap) == 1 && snap[0].Token != firstToken
	})

	if got := readAll(t, first); got != "" {
		t.Fatalf("displaced connection must close without a body, got %q", got)
	}

	relay.svc.OnDispatchResponse(context.Background(), []byte(`{"id":"dup","response":"newest"}`))
	if got, want := readAll(t, second), `{"id":"dup","response":"newest"}`; got != want {
		t.Fatalf("unexpected body on replacing connection: got %q want %q", got, want)
	}
}

func TestServiceDuplicateReplaceUnderSweep(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.DispatchTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	relay := startRelay(t, cfg, false)

	first := dial(t, relay.addr)
	send(t, first, `{"id":"dup","request":"/api"}`)
	waitFor(t, "first registration", func() bool { return relay.svc.Table().Len() == 1 })

	second := dial(t, relay.addr)
	send(t, second, `{"id":"dup","request":"/api"}`)

	_ = first.SetReadDeadline(time.Now().Add(time.Second))
	if got := readAll(t, first); got != "" {
		t.Fatalf("displaced connection must close without a body, got %q", got)
	}
	if got, want := readAll(t, second), `{"id":"dup","error":"dispatch timeout"}`; got != want {
		t.Fatalf("unexpected body on replacing connection: got %q want %q", got, want)
	}
	waitFor(t, "table drained", func() bool { return relay.svc.Table().Len() == 0 })
}

func TestServiceStalledPeerDoesNotBlockOtherResponses(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	relay := startRelay(t, cfg, false)

	stalled := dial(t, relay.addr)
	send(t, stalled, `{"id":"slow","request":"/api"}`)
	fast := dial(t, relay.addr)
	send(t, fast, `{"id":"fast","request":"/api"}`)
	waitFor(t, "registrations", func() bool { return relay.svc.Table().Len() == 2 })

	// Large enough to fill both socket buffers while the peer never reads.
	big := fmt.Sprintf(`{"id":"slow","response":%q}`, strings.Repeat("x", 16<<20))
	ctx := context.Background()
	if err := relay.bus.Publish(ctx, cfg.Subjects.Response, []byte(big)); err != nil {
		t.Fatalf("publish slow response: %v", err)
	}
	if err := relay.bus.Publish(ctx, cfg.Subjects.Response, []byte(`{"id":"fast","response":"ok"}`)); err != nil {
		t.Fatalf("publish fast response: %v", err)
	}

	_ = fast.SetReadDeadline(time.Now().Add(time.Second))
	if got, want := readAll(t, fast), `{"id":"fast","response":"ok"}`; got != want {
		t.Fatalf("unexpected body behind stalled peer: got %q want %q", got, want)
	}
}

func TestServicePeerCloseRemovesEntry(t *testing.T) {
	testlog.Start(t)
	relay := startRelay(t, DefaultServiceConfig(), false)

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"gone","request":"/api"}`)
	waitFor(t, "registration", func() bool { return relay.svc.Table().Len() == 1 })
	_ = conn.Close()
	waitFor(t, "cleanup on close", func() bool { return relay.svc.Table().Len() == 0 })

	relay.svc.OnDispatchResponse(context.Background(), []byte(`{"id":"gone","response":"late"}`))
}

func TestServiceFramesAfterRegistrationIgnored(t *testing.T) {
	testlog.Start(t)
	relay := startRelay(t, DefaultServiceConfig(), false)

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"one","request":"/api"}`)
	send(t, conn, `{"id":"two","request":"/api"}`)
	waitFor(t, "registration", func() bool { return relay.svc.Table().Len() == 1 })
	time.Sleep(20 * time.Millisecond)
	snap := relay.svc.Table().Snapshot()
	if len(snap) != 1 || snap[0].ID != "one" {
		t.Fatalf("expected only first id registered, got %+v", snap)
	}
}

func TestServiceFrameTooLargeClosesConnection(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.MaxFrameBytes = 32
	relay := startRelay(t, cfg, true)

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"big","request":"`+strings.Repeat("x", 128)+`"}`)
	if got := readAll(t, conn); got != "" {
		t.Fatalf("expected close without response, got %q", got)
	}
}

func TestServiceLineFraming(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Framing = envelope.FramingLine
	relay := startRelay(t, cfg, true)

	conn := dial(t, relay.addr)
	send(t, conn, `{"id":"abc","request":"/api?id=abc"}`)
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if want := `{"id":"abc","response":"Hello world!"}` + "\n"; line != want {
		t.Fatalf("unexpected line: got %q want %q", line, want)
	}
}

func TestServiceConcurrentDistinctIDs(t *testing.T) {
	testlog.Start(t)
	relay := startRelay(t, DefaultServiceConfig(), true)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			conn, err := net.DialTimeout("tcp", relay.addr, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			if err := envelope.WriteRequest(conn, envelope.Request{ID: id, Request: "/api?id=" + id}); err != nil {
				errs <- err
				return
			}
			body, err := io.ReadAll(conn)
			if err != nil {
				errs <- err
				return
			}
			resp, err := envelope.ParseResponse(body)
			if err != nil {
				errs <- err
				return
			}
			if resp.ID != id {
				errs <- fmt.Errorf("response for %q delivered to %q", resp.ID, id)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServiceShutdownClosesConnections(t *testing.T) {
	testlog.Start(t)
	bus := dispatch.NewLocalBus(0)
	defer bus.Close()
	svc, err := NewService(DefaultServiceConfig(), bus)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	waitFor(t, "service ready", svc.ready.Load)

	conn := dial(t, ln.Addr().String())
	send(t, conn, `{"id":"held","request":"/api"}`)
	waitFor(t, "registration", func() bool { return svc.Table().Len() == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve exit err: %v", err)
	}
	if got := readAll(t, conn); got != "" {
		t.Fatalf("expected empty close on shutdown, got %q", got)
	}
	waitFor(t, "table drained", func() bool { return svc.Table().Len() == 0 })
}

func TestNewServiceValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewService(DefaultServiceConfig(), nil); !errors.Is(err, ErrNilBus) {
		t.Fatalf("expected ErrNilBus, got %v", err)
	}
	cfg := DefaultServiceConfig()
	cfg.DuplicatePolicy = "first-wins"
	if _, err := NewService(cfg, dispatch.NewLocalBus(1)); !errors.Is(err, correlation.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
	cfg = DefaultServiceConfig()
	cfg.Framing = "chunked"
	if _, err := NewService(cfg, dispatch.NewLocalBus(1)); !errors.Is(err, envelope.ErrUnknownFrame) {
		t.Fatalf("expected ErrUnknownFrame, got %v", err)
	}
}

func TestServiceConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := ServiceConfig{DispatchTimeout: 200 * time.Millisecond, SweepInterval: time.Minute}.WithDefaults()
	if cfg.SweepInterval != 200*time.Millisecond {
		t.Fatalf("expected sweep interval clamped to timeout, got %s", cfg.SweepInterval)
	}
	if cfg.ListenAddr != ":8081" || cfg.Framing != envelope.FramingClose || cfg.DuplicatePolicy != correlation.PolicyReplace {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Subjects != dispatch.DefaultSubjects() {
		t.Fatalf("unexpected subjects: %+v", cfg.Subjects)
	}
	if got := (ServiceConfig{DispatchTimeout: -time.Second}).WithDefaults().DispatchTimeout; got != 0 {
		t.Fatalf("negative timeout must disable the sweep, got %s", got)
	}
}

func newNopBus() dispatch.Bus {
	return dispatch.NewLocalBus(1)
}
