package node

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/danmuck/edgerelay/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type pingNode struct{}

func (pingNode) NodeID() string { return "ping.test" }
func (pingNode) Kind() string   { return "test" }
func (pingNode) HTTPRouter() *gin.Engine {
	r := gin.New()
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func TestServeUntilCancel(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, pingNode{}, addr)
	}()

	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Get("http://" + addr + "/ping")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("unexpected status %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve exit err: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}

func TestServeReportsListenError(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if err := Serve(context.Background(), pingNode{}, ln.Addr().String()); err == nil {
		t.Fatalf("expected address in use error")
	}
}
