// Package api exposes the read-only status surface over HTTP: camera
// enumeration and per-broker delivery statistics. No frame payloads ever
// leave this surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openvio/facet/service"
)

// Server serves the status API for one Service.
type Server struct {
	log    *slog.Logger
	svc    *service.Service
	engine *gin.Engine
}

// New builds the router. If log is nil, slog.Default() is used.
func New(svc *service.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		log:    log.With("component", "api"),
		svc:    svc,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/api/cameras", s.handleCameras)
	// Camera ids are device paths; the wildcard keeps the slashes.
	s.engine.GET("/api/cameras/*id", s.handleCamera)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCameras(c *gin.Context) {
	type cameraInfo struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}

	stats := s.svc.Stats()
	var out []cameraInfo
	for _, desc := range s.svc.List() {
		_, active := stats[desc.ID]
		out = append(out, cameraInfo{ID: desc.ID, Active: active})
	}
	c.JSON(http.StatusOK, gin.H{"cameras": out})
}

func (s *Server) handleCamera(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	stats := s.svc.Stats()
	snap, ok := stats["/"+id]
	if !ok {
		// Ids without a leading slash (logical camera names).
		snap, ok = stats[id]
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not active"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
