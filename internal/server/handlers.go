package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dudu/visioncap/internal/bus"
	"github.com/dudu/visioncap/internal/camera"
	"github.com/dudu/visioncap/internal/orchestrator"
	"github.com/dudu/visioncap/internal/pipeline"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineReport is one pipeline's state in StatusResponse.
type PipelineReport struct {
	Kind  pipeline.Kind  `json:"kind"`
	State string         `json:"state"`
	Stats pipeline.Stats `json:"stats"`
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Camera       *camera.Status      `json:"camera,omitempty"`
	Orchestrator *orchestrator.Stats `json:"orchestrator,omitempty"`
	Pipelines    []PipelineReport    `json:"pipelines"`
	Bus          bus.Stats           `json:"bus"`
	Timestamp    time.Time           `json:"timestamp"`
}

func errorResponse(code, msg string) ErrorResponse {
	return ErrorResponse{Error: code, Message: msg, Timestamp: time.Now()}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Pipelines: make([]PipelineReport, 0, len(s.deps.Pipelines)),
		Bus:       s.deps.Results.Stats(),
		Timestamp: time.Now(),
	}
	if s.deps.Source != nil {
		st := s.deps.Source.Status()
		resp.Camera = &st
	}
	if s.deps.Orchestrator != nil {
		st := s.deps.Orchestrator.Stats()
		resp.Orchestrator = &st
	}
	for _, p := range s.deps.Pipelines {
		resp.Pipelines = append(resp.Pipelines, PipelineReport{
			Kind:  p.Kind(),
			State: p.State().String(),
			Stats: p.Stats(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleResults(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Results.Snapshot())
}

func (s *Server) handleResult(c *gin.Context) {
	kind := pipeline.Kind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse("unknown_kind", "unknown result kind "+string(kind)))
		return
	}
	batch, ok := s.deps.Results.Latest(kind)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse("no_results", "no "+string(kind)+" results published yet"))
		return
	}
	c.JSON(http.StatusOK, batch)
}

// handleStream pushes each published batch as a server-sent event named
// after its kind. Slow clients see only the latest batch.
func (s *Server) handleStream(c *gin.Context) {
	id := "http-" + uuid.NewString()
	recv, err := s.deps.Results.Subscribe(id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("bus_unavailable", err.Error()))
		return
	}
	defer func() {
		if err := s.deps.Results.Unsubscribe(id); err != nil && !errors.Is(err, bus.ErrSubscriberNotFound) &&
			!errors.Is(err, bus.ErrBusClosed) {
			s.log.WithError(err).Warn("failed to unsubscribe stream")
		}
	}()

	log := s.log.WithField("subscriber", id)
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	ctx := c.Request.Context()
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		batch, err := recv.Receive(ctx)
		if err != nil {
			return false
		}
		c.SSEvent(string(batch.Kind), batch)
		return true
	})
}
