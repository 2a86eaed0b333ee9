// Package api exposes the cache to the platform's web backend: the device
// read path, the admin "refresh now" trigger, and the push-mode ingest
// webhook. The wire format here is a thin JSON envelope; payload shape is
// owned by each integration.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"widget-datacache/internal/cache"
	"widget-datacache/internal/repository"
	"widget-datacache/internal/service/definitions"
	"widget-datacache/internal/service/poller"
	"widget-datacache/pkg/log"
)

type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
}

func NewServer(
	listenAddress string,
	dataCache *cache.DataCache,
	defs *definitions.Snapshot,
	widgets repository.WidgetConfigRepository,
	scheduler *poller.PollScheduler,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	handlers := newHandlers(dataCache, defs, widgets, scheduler)

	v1 := engine.Group("/v1")
	{
		v1.GET("/widgets/:widgetID/data", handlers.getWidgetData)
		v1.POST("/organizations/:orgID/widgets/:widgetID/poll", handlers.triggerPoll)
		v1.POST("/push/*webhookPath", handlers.pushData)
	}
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		engine: engine,
		httpServer: &http.Server{
			Addr:              listenAddress,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.Logger.With().Str("component", "api_server").Logger(),
	}
}

func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
