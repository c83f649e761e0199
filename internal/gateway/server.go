package gateway

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgerelay/internal/node"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const kind = "gateway"

var _ node.Node = (*Gateway)(nil)

func (g *Gateway) NodeID() string {
	return g.cfg.Addr
}

func (g *Gateway) Kind() string {
	return kind
}

func (g *Gateway) HTTPRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(kind))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(g.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/api", g.handleAPI)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(g.started).String(),
			"component": kind,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":        true,
			"session_addr": g.client.Addr(),
			"framing":      g.cfg.Framing,
			"component":    kind,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (g *Gateway) handleAPI(c *gin.Context) {
	body, err := g.Handle(c.Request.Context(), c.Query("id"), c.Request.URL.RequestURI())
	status := StatusFor(err)
	observability.RecordGatewayResult(status)
	switch {
	case err == nil:
		c.Data(status, "application/json", body)
	case errors.Is(err, ErrRelayError):
		c.Data(status, "application/json", body)
	default:
		if status >= http.StatusInternalServerError {
			log.Warn().Err(err).Str("id", c.Query("id")).Int("status", status).Msg("gateway.handleAPI relay failed")
		}
		c.JSON(status, gin.H{"error": ErrorMessage(err)})
	}
}

// Run serves HTTP on the configured address until SIGINT/SIGTERM.
func (g *Gateway) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return g.RunContext(ctx)
}

func (g *Gateway) RunContext(ctx context.Context) error {
	log.Info().
		Str("session_addr", g.client.Addr()).
		Str("framing", string(g.cfg.Framing)).
		Bool("session_tls", g.cfg.Session.TLS.Enabled).
		Msg("gateway.Run starting")
	return node.Serve(ctx, g, g.cfg.Addr)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
