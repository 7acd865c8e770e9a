// Package statusapi exposes the journal over HTTP while a deployment runs:
// a readiness endpoint, the per-service phase report, and the metrics
// registry. It is read-only; nothing here mutates deployment state.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/internal/orchestrator"
)

type Server struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

func New(orch *orchestrator.Orchestrator, logger *zap.Logger) *Server {
	return &Server{orch: orch, logger: logger}
}

// Router builds the HTTP surface: /healthz, /status, /metrics.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		rep, err := s.orch.Status()
		if err != nil {
			s.logger.Error("status read failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rep)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("status server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
