// Package orchestrator fans captured frames out to the inference pipelines,
// chains face results into the landmark pipeline and publishes every result
// batch to the result bus.
package orchestrator

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dudu/visioncap/internal/frame"
	"github.com/dudu/visioncap/internal/geometry"
	"github.com/dudu/visioncap/internal/pipeline"
)

// DefaultObjectConfidence is the object label confidence a label must
// exceed to be published.
const DefaultObjectConfidence = 0.9

// Runner is an inference pipeline. *pipeline.Pipeline implements it.
type Runner interface {
	Kind() pipeline.Kind
	Target() image.Point
	Start() error
	Submit(req pipeline.Request)
	OnResult(fn func(pipeline.ResultBatch))
	Close() error
}

// Publisher receives result batches. *bus.Bus implements it.
type Publisher interface {
	Publish(batch pipeline.ResultBatch)
}

// Config configures the orchestrator.
type Config struct {
	// ObjectConfidence is the exclusive lower bound for published object
	// labels. Zero selects DefaultObjectConfidence.
	ObjectConfidence float32
}

// Stats counts orchestrator activity.
type Stats struct {
	Frames           uint64                   `json:"frames"`
	Submissions      map[pipeline.Kind]uint64 `json:"submissions"`
	LandmarkTriggers uint64                   `json:"landmarkTriggers"`
	FilteredLabels   uint64                   `json:"filteredLabels"`
}

// Orchestrator coordinates the pipelines for one frame source.
type Orchestrator struct {
	cfg Config
	pub Publisher
	log logrus.FieldLogger

	// independent pipelines receive every frame; landmark is fed by face results.
	independent []Runner
	landmark    Runner
	runners     []Runner

	frames    atomic.Uint64
	submitted map[pipeline.Kind]*atomic.Uint64
	triggers  atomic.Uint64
	filtered  atomic.Uint64
}

// New wires runners to pub. At most one runner per kind is allowed.
func New(cfg Config, pub Publisher, log logrus.FieldLogger, runners ...Runner) (*Orchestrator, error) {
	if pub == nil {
		return nil, errors.New("orchestrator: nil publisher")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.ObjectConfidence == 0 {
		cfg.ObjectConfidence = DefaultObjectConfidence
	}

	o := &Orchestrator{
		cfg:       cfg,
		pub:       pub,
		log:       log.WithField("component", "orchestrator"),
		submitted: make(map[pipeline.Kind]*atomic.Uint64),
	}

	for _, r := range runners {
		kind := r.Kind()
		if _, dup := o.submitted[kind]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate %s pipeline", kind)
		}
		o.submitted[kind] = new(atomic.Uint64)
		o.runners = append(o.runners, r)

		if kind == pipeline.KindLandmark {
			o.landmark = r
		} else {
			o.independent = append(o.independent, r)
		}
		r.OnResult(o.handlerFor(kind))
	}

	return o, nil
}

// Start starts every pipeline. A pipeline that fails to start is logged and
// left idle; the others keep running.
func (o *Orchestrator) Start() {
	for _, r := range o.runners {
		if err := r.Start(); err != nil {
			o.log.WithError(err).WithField("kind", r.Kind()).Warn("pipeline unavailable")
		}
	}
}

// HandleFrame submits f to every independent pipeline. It never blocks on
// inference and is meant to be the frame source callback.
func (o *Orchestrator) HandleFrame(f *frame.Frame) {
	if f.Empty() {
		return
	}
	o.frames.Add(1)

	for _, r := range o.independent {
		o.submit(r, pipeline.Request{Frame: f})
	}
}

func (o *Orchestrator) submit(r Runner, req pipeline.Request) {
	t := r.Target()
	req.TargetWidth, req.TargetHeight = t.X, t.Y
	r.Submit(req)
	o.submitted[r.Kind()].Add(1)
}

func (o *Orchestrator) handlerFor(kind pipeline.Kind) func(pipeline.ResultBatch) {
	switch kind {
	case pipeline.KindObject:
		return func(b pipeline.ResultBatch) {
			o.pub.Publish(o.filterObjects(b))
		}
	case pipeline.KindFace:
		return o.handleFaces
	default:
		return o.pub.Publish
	}
}

// handleFaces publishes face results and, when any face was found, runs the
// landmark pipeline on the same frame.
func (o *Orchestrator) handleFaces(b pipeline.ResultBatch) {
	o.pub.Publish(b)

	if o.landmark == nil || b.Empty() || b.Frame.Empty() {
		return
	}

	faces := make([]geometry.Rect, 0, len(b.Detections))
	for _, d := range b.Detections {
		faces = append(faces, geometry.PixelRectToInference(d.Box, b.Frame.Width, b.Frame.Height))
	}

	o.triggers.Add(1)
	o.log.WithFields(logrus.Fields{"seq": b.FrameSeq, "faces": len(faces)}).Debug("landmark pipeline triggered")
	o.submit(o.landmark, pipeline.Request{Frame: b.Frame, KnownFaces: faces})
}

// filterObjects keeps labels above the confidence threshold and drops
// detections left without labels.
func (o *Orchestrator) filterObjects(b pipeline.ResultBatch) pipeline.ResultBatch {
	kept := make([]pipeline.Detection, 0, len(b.Detections))
	for _, d := range b.Detections {
		var labels []pipeline.Label
		for _, l := range d.Labels {
			if l.Confidence > o.cfg.ObjectConfidence {
				labels = append(labels, l)
			} else {
				o.filtered.Add(1)
			}
		}
		if len(labels) == 0 {
			continue
		}
		d.Labels = labels
		kept = append(kept, d)
	}
	b.Detections = kept
	return b
}

// Stats returns a snapshot of orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Frames:           o.frames.Load(),
		Submissions:      make(map[pipeline.Kind]uint64, len(o.submitted)),
		LandmarkTriggers: o.triggers.Load(),
		FilteredLabels:   o.filtered.Load(),
	}
	for k, n := range o.submitted {
		s.Submissions[k] = n.Load()
	}
	return s
}

// Close closes every pipeline. In-flight inference finishes first.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, r := range o.runners {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Kind(), err))
		}
	}
	return errors.Join(errs...)
}
