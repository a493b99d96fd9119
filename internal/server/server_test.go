package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudu/visioncap/internal/bus"
	"github.com/dudu/visioncap/internal/camera"
	"github.com/dudu/visioncap/internal/geometry"
	"github.com/dudu/visioncap/internal/orchestrator"
	"github.com/dudu/visioncap/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSource struct{ status camera.Status }

func (f fakeSource) Status() camera.Status { return f.status }

type fakeOrchestrator struct{ stats orchestrator.Stats }

func (f fakeOrchestrator) Stats() orchestrator.Stats { return f.stats }

type fakePipeline struct {
	kind  pipeline.Kind
	state pipeline.State
	stats pipeline.Stats
}

func (f fakePipeline) Kind() pipeline.Kind   { return f.kind }
func (f fakePipeline) State() pipeline.State { return f.state }
func (f fakePipeline) Stats() pipeline.Stats { return f.stats }

func newServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := New("127.0.0.1:0", deps, logger)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func faceBatch(seq uint64) pipeline.ResultBatch {
	return pipeline.ResultBatch{
		Kind:     pipeline.KindFace,
		FrameSeq: seq,
		Width:    640,
		Height:   480,
		Detections: []pipeline.Detection{{
			Box:  geometry.Rect{X: 10, Y: 20, Width: 100, Height: 120},
			Face: &pipeline.FaceInfo{Confidence: 0.97},
		}},
	}
}

func TestNewRequiresResults(t *testing.T) {
	_, err := New(":0", Deps{}, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newServer(t, Deps{Results: bus.New()})
	w := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestStatus(t *testing.T) {
	b := bus.New()
	b.Publish(faceBatch(1))

	s := newServer(t, Deps{
		Results:      b,
		Source:       fakeSource{camera.Status{DeviceID: "0", Running: true, Captured: 12}},
		Orchestrator: fakeOrchestrator{orchestrator.Stats{Frames: 12, LandmarkTriggers: 3}},
		Pipelines: []PipelineStatus{
			fakePipeline{kind: pipeline.KindFace, state: pipeline.StateStarted, stats: pipeline.Stats{Completed: 5}},
			fakePipeline{kind: pipeline.KindObject, state: pipeline.StateUnstarted},
		},
	})

	w := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Camera)
	assert.Equal(t, "0", resp.Camera.DeviceID)
	assert.Equal(t, uint64(12), resp.Camera.Captured)
	require.NotNil(t, resp.Orchestrator)
	assert.Equal(t, uint64(3), resp.Orchestrator.LandmarkTriggers)
	require.Len(t, resp.Pipelines, 2)
	assert.Equal(t, pipeline.StateStarted.String(), resp.Pipelines[0].State)
	assert.Equal(t, uint64(5), resp.Pipelines[0].Stats.Completed)
	assert.Equal(t, uint64(1), resp.Bus.Published)
}

func TestStatusWithoutOptionalDeps(t *testing.T) {
	s := newServer(t, Deps{Results: bus.New()})
	w := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.Camera)
	assert.Nil(t, resp.Orchestrator)
	assert.Empty(t, resp.Pipelines)
}

func TestResults(t *testing.T) {
	b := bus.New()
	b.Publish(faceBatch(7))
	s := newServer(t, Deps{Results: b})

	t.Run("snapshot", func(t *testing.T) {
		w := get(t, s, "/api/results")
		require.Equal(t, http.StatusOK, w.Code)

		var snap map[pipeline.Kind]pipeline.ResultBatch
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		require.Contains(t, snap, pipeline.KindFace)
		assert.Equal(t, uint64(7), snap[pipeline.KindFace].FrameSeq)
		assert.NotContains(t, snap, pipeline.KindObject)
	})

	t.Run("by kind", func(t *testing.T) {
		w := get(t, s, "/api/results/face")
		require.Equal(t, http.StatusOK, w.Code)

		var batch pipeline.ResultBatch
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
		assert.Equal(t, faceBatch(7).Detections[0].Box, batch.Detections[0].Box)
	})

	t.Run("nothing published", func(t *testing.T) {
		w := get(t, s, "/api/results/landmark")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "no_results")
	})

	t.Run("unknown kind", func(t *testing.T) {
		w := get(t, s, "/api/results/cars")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "unknown_kind")
	})
}

func TestStream(t *testing.T) {
	b := bus.New()
	s := newServer(t, Deps{Results: b})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return len(b.Stats().Subscribers) == 1 }, time.Second, time.Millisecond)
	b.Publish(faceBatch(9))

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = v
			break
		}
	}
	assert.Equal(t, "face", event)

	var batch pipeline.ResultBatch
	require.NoError(t, json.Unmarshal([]byte(data), &batch))
	assert.Equal(t, uint64(9), batch.FrameSeq)

	cancel()
	require.Eventually(t, func() bool { return len(b.Stats().Subscribers) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamAfterClose(t *testing.T) {
	b := bus.New()
	b.Close()
	s := newServer(t, Deps{Results: b})

	w := get(t, s, "/api/stream")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeEndsStreamsOnShutdown(t *testing.T) {
	b := bus.New()
	s := newServer(t, Deps{Results: b})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return len(b.Stats().Subscribers) == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("shutdown waited on the open stream")
	}
	assert.Less(t, time.Since(start), time.Second)

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Empty(t, b.Stats().Subscribers)
}
