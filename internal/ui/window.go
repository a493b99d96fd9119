package ui

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/dudu/visioncap/internal/bus"
	"github.com/dudu/visioncap/internal/frame"
	"github.com/dudu/visioncap/internal/geometry"
	"github.com/dudu/visioncap/internal/pipeline"
)

// pollInterval bounds how long Run waits for results before servicing
// window events.
const pollInterval = 30 * time.Millisecond

// Results is the part of the result bus the preview reads.
type Results interface {
	Snapshot() map[pipeline.Kind]pipeline.ResultBatch
	Subscribe(id string) (*bus.Receiver, error)
	Unsubscribe(id string) error
}

// Window shows frames with the latest detections drawn on top.
type Window struct {
	window     *gocv.Window
	name       string
	scale      float64
	log        logrus.FieldLogger
	lastFrame  time.Time
	frameCount int
	fps        float64
}

// NewWindow creates a preview window. Frames are shown downscaled by scale
// (1 keeps the capture size).
func NewWindow(name string, scale float64, log logrus.FieldLogger) *Window {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	window := gocv.NewWindow(name)
	// Force window to appear on macOS
	window.ResizeWindow(1280, 720)
	window.MoveWindow(100, 100)
	return &Window{
		window:    window,
		name:      name,
		scale:     scale,
		log:       log.WithField("component", "preview"),
		lastFrame: time.Now(),
	}
}

// Run redraws whenever a batch arrives until ctx is done or the user
// presses q or ESC. It must run on the main OS thread.
func (w *Window) Run(ctx context.Context, results Results) error {
	id := "preview-" + uuid.NewString()
	recv, err := results.Subscribe(id)
	if err != nil {
		return fmt.Errorf("preview subscribe: %w", err)
	}
	defer func() {
		if err := results.Unsubscribe(id); err != nil && !errors.Is(err, bus.ErrBusClosed) {
			w.log.WithError(err).Debug("unsubscribe failed")
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, pollInterval)
		batch, err := recv.Receive(waitCtx)
		cancel()
		switch {
		case errors.Is(err, bus.ErrReceiverClosed):
			return nil
		case err == nil && batch.Frame != nil:
			if err := w.Show(batch.Frame, results.Snapshot()); err != nil {
				w.log.WithError(err).Warn("preview frame skipped")
			}
		}

		// WaitKey must be called to process window events on macOS
		key := w.WaitKey(1)
		if key == 'q' || key == 27 { // 'q' or ESC
			return nil
		}
	}
}

// Show draws snap over f and displays it.
func (w *Window) Show(f *frame.Frame, snap map[pipeline.Kind]pipeline.ResultBatch) error {
	if f.Empty() {
		return errors.New("empty frame")
	}
	if w.scale != 1 {
		scaled, err := geometry.ScaleUniform(f, w.scale)
		if err != nil {
			return err
		}
		f = scaled
	}

	mat, err := gocv.ImageToMatRGB(f.Image)
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	for _, s := range buildOverlay(snap, f.Size()) {
		if !s.box.Empty() {
			gocv.Rectangle(&mat, s.box, s.color, 2)
		}
		if s.label != "" {
			gocv.PutText(&mat, s.label, image.Pt(s.box.Min.X, s.box.Min.Y-6),
				gocv.FontHersheyPlain, 1.2, s.color, 1)
		}
		for _, p := range s.points {
			gocv.Circle(&mat, p, 2, s.color, -1)
		}
	}

	w.tick()
	fpsText := fmt.Sprintf("FPS: %.1f", w.fps)
	gocv.PutText(&mat, fpsText, image.Pt(10, 30),
		gocv.FontHersheyPlain, 2, color.RGBA{R: 0, G: 255, B: 0, A: 255}, 2)

	w.window.IMShow(mat)
	return nil
}

// tick updates the display rate once per second.
func (w *Window) tick() {
	w.frameCount++
	now := time.Now()
	elapsed := now.Sub(w.lastFrame)
	if elapsed >= time.Second {
		w.fps = float64(w.frameCount) / elapsed.Seconds()
		w.frameCount = 0
		w.lastFrame = now
	}
}

// WaitKey waits for key press, returns key code or -1
func (w *Window) WaitKey(delayMs int) int {
	return w.window.WaitKey(delayMs)
}

// FPS returns the display rate
func (w *Window) FPS() float64 {
	return w.fps
}

// Close closes the window
func (w *Window) Close() error {
	if w.window != nil {
		return w.window.Close()
	}
	return nil
}
