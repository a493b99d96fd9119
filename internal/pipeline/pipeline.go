package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dudu/visioncap/internal/frame"
	"github.com/dudu/visioncap/internal/geometry"
)

// ErrInferenceDecodeFailed wraps per-request engine and decode failures.
var ErrInferenceDecodeFailed = errors.New("pipeline: inference decode failed")

// State is the lifecycle state of a Pipeline.
type State int32

const (
	StateUnstarted State = iota
	StateStarted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Request asks a pipeline to run on one frame.
type Request struct {
	Frame *frame.Frame

	// TargetWidth and TargetHeight are the model input resolution. Zero
	// keeps the frame's native size.
	TargetWidth, TargetHeight int

	// KnownFaces are inference-space face rects for chained requests.
	KnownFaces []geometry.Rect
}

// Stats holds pipeline counters.
type Stats struct {
	Submitted   uint64        `json:"submitted"`
	Dropped     uint64        `json:"dropped"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	LastLatency time.Duration `json:"lastLatency"`
}

// Pipeline runs one Variant on a dedicated worker goroutine. At most one
// request is in flight and at most one is pending; a newer submission
// replaces the pending one.
type Pipeline struct {
	variant Variant
	target  image.Point
	log     logrus.FieldLogger

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	engine   Engine
	pending  *Request
	onResult func(ResultBatch)
	done     chan struct{}

	submitted   atomic.Uint64
	dropped     atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	lastLatency atomic.Int64
}

// New creates a pipeline for v. target is the model input resolution used
// by Target; the zero point means native size.
func New(v Variant, target image.Point, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pipeline{
		variant: v,
		target:  target,
		log:     log.WithField("kind", v.Kind()),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Kind returns the variant kind.
func (p *Pipeline) Kind() Kind {
	return p.variant.Kind()
}

// Target returns the configured model input resolution.
func (p *Pipeline) Target() image.Point {
	return p.target
}

// Start opens the engine and launches the worker. On failure the pipeline
// stays unstarted and drops every submission. Calling Start again after
// success is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateStarted:
		return nil
	case StateClosed:
		return fmt.Errorf("pipeline %s: closed", p.variant.Kind())
	}

	engine, err := p.variant.Open()
	if err != nil {
		p.log.WithError(err).Error("failed to start pipeline")
		return fmt.Errorf("pipeline %s: %w", p.variant.Kind(), err)
	}

	p.engine = engine
	p.state = StateStarted
	p.done = make(chan struct{})
	go p.run(engine)

	p.log.Info("pipeline started")
	return nil
}

// State returns the lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnResult sets the result callback, replacing any previous one. It is
// invoked on the pipeline's worker goroutine.
func (p *Pipeline) OnResult(fn func(ResultBatch)) {
	p.mu.Lock()
	p.onResult = fn
	p.mu.Unlock()
}

// Submit hands a request to the worker without blocking. Requests submitted
// before a successful Start, or after Close, are dropped.
func (p *Pipeline) Submit(req Request) {
	p.submitted.Add(1)
	if req.Frame.Empty() {
		p.dropped.Add(1)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStarted {
		p.dropped.Add(1)
		return
	}
	if p.pending != nil {
		p.dropped.Add(1)
		p.log.WithField("seq", p.pending.Frame.Seq).Debug("pending request replaced")
	}
	p.pending = &req
	p.cond.Signal()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:   p.submitted.Load(),
		Dropped:     p.dropped.Load(),
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
		LastLatency: time.Duration(p.lastLatency.Load()),
	}
}

// Close stops the worker after any in-flight request finishes, then
// releases the engine. A pending request is discarded.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	wasStarted := p.state == StateStarted
	p.state = StateClosed
	if p.pending != nil {
		p.pending = nil
		p.dropped.Add(1)
	}
	p.cond.Broadcast()
	done, engine := p.done, p.engine
	p.mu.Unlock()

	if !wasStarted {
		return nil
	}
	<-done
	return engine.Close()
}

// next blocks until a request is pending or the pipeline closes.
func (p *Pipeline) next() (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.pending == nil && p.state == StateStarted {
		p.cond.Wait()
	}
	if p.state != StateStarted {
		return nil, false
	}
	req := p.pending
	p.pending = nil
	return req, true
}

func (p *Pipeline) run(engine Engine) {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			return
		}
		batch := p.process(engine, req)

		p.mu.Lock()
		fn := p.onResult
		p.mu.Unlock()
		if fn != nil {
			fn(batch)
		}
	}
}

// process runs one request. Failures yield an empty batch.
func (p *Pipeline) process(engine Engine, req *Request) ResultBatch {
	start := time.Now()
	f := req.Frame
	batch := ResultBatch{
		Kind:     p.variant.Kind(),
		FrameSeq: f.Seq,
		Width:    f.Width,
		Height:   f.Height,
		Frame:    f,
	}

	detections, err := p.infer(engine, req)
	if err != nil {
		p.failed.Add(1)
		p.log.WithError(err).WithField("seq", f.Seq).Warn("inference failed")
		detections = nil
	}
	batch.Detections = detections
	if batch.Detections == nil {
		batch.Detections = []Detection{}
	}

	batch.CompletedAt = time.Now()
	p.lastLatency.Store(int64(batch.CompletedAt.Sub(start)))
	p.completed.Add(1)
	return batch
}

// infer runs one request through the engine and decoder. A panic in either
// is reported as a failed request so the worker keeps going.
func (p *Pipeline) infer(engine Engine, req *Request) (detections []Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			detections = nil
			err = fmt.Errorf("%w: panic: %v", ErrInferenceDecodeFailed, r)
		}
	}()

	input := req.Frame
	if req.TargetWidth > 0 && req.TargetHeight > 0 {
		scaled, err := geometry.ScaleTo(input, req.TargetWidth, req.TargetHeight)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInferenceDecodeFailed, err)
		}
		input = scaled
	}

	raw, err := engine.Infer(input.Image, Hint{KnownFaces: req.KnownFaces})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceDecodeFailed, err)
	}

	detections, err = p.variant.Decode(raw, req.Frame.Width, req.Frame.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceDecodeFailed, err)
	}
	return detections, nil
}
