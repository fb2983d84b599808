// Package health serves the liveness, readiness and startup probes. Probes
// configured on the same address share one listener.
package health

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"vecagent/internal/config"
	"vecagent/pkg/logger"
)

type Probe string

const (
	Liveness  Probe = "liveness"
	Readiness Probe = "readiness"
	Startup   Probe = "startup"
)

const shutdownTimeout = 5 * time.Second

// Server owns one gin engine per distinct address.
type Server struct {
	engines map[string]*gin.Engine
	probes  map[string][]Probe
}

func New(conf config.HealthConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engines: make(map[string]*gin.Engine),
		probes:  make(map[string][]Probe),
	}
	for _, p := range []struct {
		probe Probe
		addr  config.Addr
	}{
		{Liveness, conf.Liveness},
		{Readiness, conf.Readiness},
		{Startup, conf.Startup},
	} {
		addr := p.addr.String()
		engine, ok := s.engines[addr]
		if !ok {
			engine = gin.New()
			engine.Use(gin.Recovery())
			s.engines[addr] = engine
		}
		engine.GET("/"+string(p.probe), handleProbe(p.probe))
		s.probes[addr] = append(s.probes[addr], p.probe)
	}
	return s
}

func handleProbe(p Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "probe": p})
	}
}

// Addrs lists the addresses to bind, sorted.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.engines))
	for addr := range s.engines {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Handler returns the engine bound to addr, or nil.
func (s *Server) Handler(addr string) http.Handler {
	if e, ok := s.engines[addr]; ok {
		return e
	}
	return nil
}

// Run serves every address until ctx is done or one listener fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range s.Addrs() {
		srv := &http.Server{Addr: addr, Handler: s.engines[addr]}
		g.Go(func() error {
			logger.Info("Starting health server", "addr", addr, "probes", s.probes[addr])
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
