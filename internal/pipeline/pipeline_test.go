package pipeline

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudu/visioncap/internal/detector"
	"github.com/dudu/visioncap/internal/frame"
	"github.com/dudu/visioncap/internal/geometry"
	"github.com/dudu/visioncap/internal/inference"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

type fakeEngine struct {
	mu     sync.Mutex
	sizes  []image.Point
	hints  []Hint
	err    error
	panic  any
	closed bool

	started chan struct{} // signalled when Infer begins, if set
	release chan struct{} // Infer waits on it, if set
}

func (e *fakeEngine) Infer(img image.Image, hint Hint) (any, error) {
	e.mu.Lock()
	e.sizes = append(e.sizes, img.Bounds().Size())
	e.hints = append(e.hints, hint)
	err := e.err
	pv := e.panic
	e.mu.Unlock()

	if pv != nil {
		panic(pv)
	}

	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	if err != nil {
		return nil, err
	}
	return []Detection{{Box: geometry.Rect{Width: 1, Height: 1}}}, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type fakeVariant struct {
	engine  *fakeEngine
	openErr error
}

func (fakeVariant) Kind() Kind { return KindObject }

func (v fakeVariant) Open() (Engine, error) {
	if v.openErr != nil {
		return nil, v.openErr
	}
	return v.engine, nil
}

func (fakeVariant) Decode(raw any, _, _ int) ([]Detection, error) {
	d, ok := raw.([]Detection)
	if !ok {
		return nil, errors.New("bad output")
	}
	return d, nil
}

func testFrame(w, h int, seq uint64) *frame.Frame {
	return frame.New(image.NewRGBA(image.Rect(0, 0, w, h)), seq)
}

func collect(p *Pipeline) <-chan ResultBatch {
	ch := make(chan ResultBatch, 16)
	p.OnResult(func(b ResultBatch) { ch <- b })
	return ch
}

func waitBatch(t *testing.T, ch <-chan ResultBatch) ResultBatch {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for result")
	}
	return ResultBatch{}
}

func TestPipelineScalesToTarget(t *testing.T) {
	engine := &fakeEngine{}
	p := New(fakeVariant{engine: engine}, image.Pt(640, 640), nil)
	results := collect(p)
	require.NoError(t, p.Start())
	defer p.Close()

	p.Submit(Request{Frame: testFrame(640, 480, 7), TargetWidth: 640, TargetHeight: 640})
	batch := waitBatch(t, results)

	assert.Equal(t, KindObject, batch.Kind)
	assert.Equal(t, uint64(7), batch.FrameSeq)
	assert.Equal(t, 640, batch.Width)
	assert.Equal(t, 480, batch.Height)
	assert.Len(t, batch.Detections, 1)
	assert.False(t, batch.CompletedAt.IsZero())

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, []image.Point{{X: 640, Y: 640}}, engine.sizes)
}

func TestPipelineNativeSize(t *testing.T) {
	engine := &fakeEngine{}
	p := New(fakeVariant{engine: engine}, image.Point{}, nil)
	results := collect(p)
	require.NoError(t, p.Start())
	defer p.Close()

	p.Submit(Request{Frame: testFrame(320, 240, 1)})
	waitBatch(t, results)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, []image.Point{{X: 320, Y: 240}}, engine.sizes)
}

func TestPipelineDropsUnderLoad(t *testing.T) {
	engine := &fakeEngine{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	p := New(fakeVariant{engine: engine}, image.Point{}, nil)
	results := collect(p)
	require.NoError(t, p.Start())
	defer p.Close()

	p.Submit(Request{Frame: testFrame(8, 8, 1)})
	<-engine.started

	// Frame 1 is in flight; 2 is pending and then replaced by 3.
	p.Submit(Request{Frame: testFrame(8, 8, 2)})
	p.Submit(Request{Frame: testFrame(8, 8, 3)})
	close(engine.release)

	assert.Equal(t, uint64(1), waitBatch(t, results).FrameSeq)
	assert.Equal(t, uint64(3), waitBatch(t, results).FrameSeq)

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(2), stats.Completed)
}

func TestPipelineEngineErrorYieldsEmptyBatch(t *testing.T) {
	logger, hook := test.NewNullLogger()
	engine := &fakeEngine{err: errors.New("tensor shape mismatch")}
	p := New(fakeVariant{engine: engine}, image.Point{}, logger)
	results := collect(p)
	require.NoError(t, p.Start())
	defer p.Close()

	p.Submit(Request{Frame: testFrame(8, 8, 5)})
	batch := waitBatch(t, results)

	assert.Equal(t, uint64(5), batch.FrameSeq)
	assert.NotNil(t, batch.Detections)
	assert.Empty(t, batch.Detections)
	assert.Equal(t, uint64(1), p.Stats().Failed)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	err, _ := entry.Data[logrus.ErrorKey].(error)
	assert.ErrorIs(t, err, ErrInferenceDecodeFailed)

	// The worker keeps running after a failure.
	engine.mu.Lock()
	engine.err = nil
	engine.mu.Unlock()
	p.Submit(Request{Frame: testFrame(8, 8, 6)})
	assert.Len(t, waitBatch(t, results).Detections, 1)
}

func TestPipelineStartFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := New(fakeVariant{openErr: inference.ErrModelNotFound}, image.Point{}, logger)
	called := false
	p.OnResult(func(ResultBatch) { called = true })

	err := p.Start()
	assert.ErrorIs(t, err, inference.ErrModelNotFound)
	assert.Equal(t, StateUnstarted, p.State())

	p.Submit(Request{Frame: testFrame(8, 8, 1)})
	p.Submit(Request{Frame: testFrame(8, 8, 2)})
	assert.Equal(t, uint64(2), p.Stats().Dropped)
	assert.False(t, called)
	assert.NoError(t, p.Close())
}

func TestPipelineStartIsIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	p := New(fakeVariant{engine: engine}, image.Point{}, nil)
	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	assert.Equal(t, StateStarted, p.State())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, StateClosed, p.State())
	assert.True(t, engine.closed)
	assert.Error(t, p.Start())
}

func TestPipelineOnResultReplaces(t *testing.T) {
	p := New(fakeVariant{engine: &fakeEngine{}}, image.Point{}, nil)
	first := make(chan ResultBatch, 1)
	p.OnResult(func(b ResultBatch) { first <- b })
	second := collect(p)
	require.NoError(t, p.Start())
	defer p.Close()

	p.Submit(Request{Frame: testFrame(8, 8, 1)})
	waitBatch(t, second)
	assert.Empty(t, first)
}

func TestPipelineDropsEmptyFrame(t *testing.T) {
	p := New(fakeVariant{engine: &fakeEngine{}}, image.Point{}, nil)
	require.NoError(t, p.Start())
	defer p.Close()

	p.Submit(Request{})
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestPipelinePassesKnownFaces(t *testing.T) {
	engine := &fakeEngine{}
	p := New(fakeVariant{engine: engine}, image.Point{}, nil)
	results := collect(p)
	require.NoError(t, p.Start())
	defer p.Close()

	faces := []geometry.Rect{{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}}
	p.Submit(Request{Frame: testFrame(8, 8, 1), KnownFaces: faces})
	waitBatch(t, results)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.hints, 1)
	assert.Equal(t, faces, engine.hints[0].KnownFaces)
}

func TestObjectVariantDecode(t *testing.T) {
	raw := []detector.Object{{
		Box:    geometry.Rect{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5},
		Labels: []detector.Label{{Name: "cup", Confidence: 0.95}},
	}}
	got, err := ObjectVariant{}.Decode(raw, 640, 480)
	require.NoError(t, err)

	want := []Detection{{
		ID:     0,
		Box:    geometry.Rect{X: 160, Y: 120, Width: 320, Height: 240},
		Labels: []Label{{Name: "cup", Confidence: 0.95}},
	}}
	assert.Empty(t, cmp.Diff(want, got, approx))

	_, err = ObjectVariant{}.Decode("nope", 640, 480)
	assert.Error(t, err)
}

func TestHumanVariantKeepsPeople(t *testing.T) {
	raw := []detector.Object{
		{Box: geometry.Rect{Width: 0.5, Height: 0.5}, Labels: []detector.Label{{Name: "person", Confidence: 0.3}}},
		{Box: geometry.Rect{Width: 0.5, Height: 0.5}, Labels: []detector.Label{{Name: "dog", Confidence: 0.99}}},
	}
	got, err := HumanVariant{}.Decode(raw, 100, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []Label{{Name: "person", Confidence: 0.3}}, got[0].Labels)
	assert.Equal(t, 0, got[0].ID)
}

func TestFaceVariantDecode(t *testing.T) {
	// Level eyes in inference space; y is flipped on the way out.
	raw := []detector.Face{{
		Box: geometry.Rect{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5},
		Keypoints: [5]geometry.Point{
			{X: 0.4, Y: 0.6}, {X: 0.6, Y: 0.6},
			{X: 0.5, Y: 0.5},
			{X: 0.42, Y: 0.4}, {X: 0.58, Y: 0.4},
		},
		Confidence: 0.95,
	}, {
		Box:        geometry.Rect{X: 0, Y: 0, Width: 0.1, Height: 0.1},
		Confidence: 0.5,
		HasPose:    true,
		Roll:       0.1,
	}}

	got, err := FaceVariant{}.Decode(raw, 100, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 0, got[0].ID)
	assert.Equal(t, 1, got[1].ID)
	assert.Empty(t, cmp.Diff(geometry.Rect{X: 25, Y: 25, Width: 50, Height: 50}, got[0].Box, approx))
	require.NotNil(t, got[0].Face)
	assert.InDelta(t, 0, got[0].Face.Roll, 1e-9)
	assert.InDelta(t, 0, got[0].Face.Yaw, 1e-9)
	assert.Equal(t, float32(0.95), got[0].Face.Confidence)
	assert.Empty(t, cmp.Diff(geometry.Point{X: 40, Y: 40}, got[0].Face.Keypoints[0], approx))

	assert.Equal(t, 0.1, got[1].Face.Roll)
	assert.Empty(t, cmp.Diff(geometry.Rect{X: 0, Y: 90, Width: 10, Height: 10}, got[1].Box, approx))
}

func TestLandmarkVariantDecode(t *testing.T) {
	raw := []detector.FaceLandmarks{{
		Box: geometry.Rect{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5},
		Regions: map[detector.Region][]geometry.Point{
			detector.RegionLeftEye: {{X: 0.5, Y: 0.75}},
		},
		LeftPupil:  geometry.Point{X: 0.5, Y: 0.75},
		Confidence: 1,
	}}

	got, err := LandmarkVariant{}.Decode(raw, 200, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Landmarks)

	want := geometry.Point{X: 100, Y: 25}
	assert.Empty(t, cmp.Diff([]geometry.Point{want}, got[0].Landmarks.Groups["leftEye"], approx))
	assert.Empty(t, cmp.Diff(want, got[0].Landmarks.LeftPupil, approx))
}

func TestResultBatchClone(t *testing.T) {
	b := ResultBatch{Detections: []Detection{{
		Labels:    []Label{{Name: "cup"}},
		Landmarks: &LandmarkInfo{Groups: map[string][]geometry.Point{"nose": {{X: 1}}}},
	}}}
	c := b.Clone()
	c.Detections[0].Labels[0].Name = "bowl"
	c.Detections[0].Landmarks.Groups["nose"][0].X = 2

	assert.Equal(t, "cup", b.Detections[0].Labels[0].Name)
	assert.Equal(t, 1.0, b.Detections[0].Landmarks.Groups["nose"][0].X)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindLandmark.Valid())
	assert.False(t, Kind("pose").Valid())
}

func TestPipelineRecoversEnginePanic(t *testing.T) {
	logger, hook := test.NewNullLogger()
	engine := &fakeEngine{panic: "index out of range"}
	p := New(fakeVariant{engine: engine}, image.Point{}, logger)
	results := collect(p)
	require.NoError(t, p.Start())
	defer p.Close()

	p.Submit(Request{Frame: testFrame(8, 8, 1)})
	batch := waitBatch(t, results)
	assert.Equal(t, uint64(1), batch.FrameSeq)
	assert.NotNil(t, batch.Detections)
	assert.Empty(t, batch.Detections)
	assert.Equal(t, uint64(1), p.Stats().Failed)
	assert.Equal(t, StateStarted, p.State())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	err, _ := entry.Data[logrus.ErrorKey].(error)
	assert.ErrorIs(t, err, ErrInferenceDecodeFailed)
	assert.ErrorContains(t, err, "index out of range")

	engine.mu.Lock()
	engine.panic = nil
	engine.mu.Unlock()
	p.Submit(Request{Frame: testFrame(8, 8, 2)})
	assert.Len(t, waitBatch(t, results).Detections, 1)
}
