// Package server exposes the agent over HTTP, with websocket endpoints for
// the streaming RPC shapes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"vecagent/internal/agent"
	"vecagent/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	router      *gin.Engine
	agent       *agent.Agent
	concurrency int
	upgrader    websocket.Upgrader
}

// New creates a new server instance. concurrency bounds the requests of one
// stream processed at the same time.
func New(a *agent.Agent, concurrency int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		agent:       a,
		router:      router,
		concurrency: concurrency,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleHealthCheck())

	s.router.POST("/search", s.handleSearch())
	s.router.POST("/search/id", s.handleSearchByID())
	s.router.GET("/object/:uuid", s.handleGetObject())
	s.router.GET("/exists/:uuid", s.handleExists())

	s.router.POST("/insert", s.handleInsert())
	s.router.POST("/update", s.handleUpdate())
	s.router.POST("/upsert", s.handleUpsert())
	s.router.POST("/remove", s.handleRemove())
	s.router.POST("/insert/multiple", s.handleMultiInsert())
	s.router.POST("/update/multiple", s.handleMultiUpdate())
	s.router.POST("/upsert/multiple", s.handleMultiUpsert())
	s.router.POST("/remove/multiple", s.handleMultiRemove())

	s.router.POST("/index/create", s.handleCreateIndex())
	s.router.POST("/index/save", s.handleSaveIndex())
	s.router.POST("/index/createandsave", s.handleCreateAndSaveIndex())
	s.router.GET("/index/info", s.handleIndexInfo())
	s.router.POST("/flush", s.handleFlush())

	streams := s.router.Group("/stream")
	streams.GET("/search", s.handleStreamSearch())
	streams.GET("/insert", s.handleStreamInsert())
	streams.GET("/update", s.handleStreamUpdate())
	streams.GET("/upsert", s.handleStreamUpsert())
	streams.GET("/remove", s.handleStreamRemove())
	streams.GET("/object", s.handleStreamObject())
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Server stopped", "addr", addr)
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}
		if len(c.Errors) > 0 {
			logger.Warn("Request failed", append(fields, "error", c.Errors.String())...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}
