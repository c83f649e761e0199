package listener

import (
	"net/http"
	"time"

	"github.com/danmuck/edgerelay/internal/node"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const kind = "relay"

var _ node.Node = (*Service)(nil)

func (s *Service) NodeID() string {
	return s.cfg.ListenAddr
}

func (s *Service) Kind() string {
	return kind
}

// HTTPRouter builds the relay's admin surface.
func (s *Service) HTTPRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(kind))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": kind,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.ready.Load()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":          ready,
			"active_clients": s.clientCount.Load(),
			"component":      kind,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/correlations", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"policy":  s.table.Policy(),
			"entries": s.table.Snapshot(),
		})
	})
	return r
}
