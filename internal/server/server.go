package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dudu/visioncap/internal/bus"
	"github.com/dudu/visioncap/internal/camera"
	"github.com/dudu/visioncap/internal/orchestrator"
	"github.com/dudu/visioncap/internal/pipeline"
)

const shutdownTimeout = 5 * time.Second

// Results is the read side of the result bus.
type Results interface {
	Latest(kind pipeline.Kind) (pipeline.ResultBatch, bool)
	Snapshot() map[pipeline.Kind]pipeline.ResultBatch
	Subscribe(id string) (*bus.Receiver, error)
	Unsubscribe(id string) error
	Stats() bus.Stats
}

// SourceStatus reports the capture source.
type SourceStatus interface {
	Status() camera.Status
}

// OrchestratorStats reports frame routing counters.
type OrchestratorStats interface {
	Stats() orchestrator.Stats
}

// PipelineStatus reports one pipeline.
type PipelineStatus interface {
	Kind() pipeline.Kind
	State() pipeline.State
	Stats() pipeline.Stats
}

// Deps are the components the endpoints read from. Only Results is
// required.
type Deps struct {
	Results      Results
	Source       SourceStatus
	Orchestrator OrchestratorStats
	Pipelines    []PipelineStatus
}

// Server serves status and detection results over HTTP.
type Server struct {
	deps       Deps
	log        logrus.FieldLogger
	engine     *gin.Engine
	httpServer *http.Server
}

// New creates a server listening on addr.
func New(addr string, deps Deps, log logrus.FieldLogger) (*Server, error) {
	if deps.Results == nil {
		return nil, errors.New("server: results are required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		log:    log.WithField("component", "server"),
		engine: engine,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/results", s.handleResults)
	api.GET("/results/:kind", s.handleResult)
	api.GET("/stream", s.handleStream)
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. Open streams are ended as soon as
// shutdown begins.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	s.httpServer.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("HTTP server starting")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}

	// Shutdown does not cancel in-flight requests; streams block until
	// their request context ends.
	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}
