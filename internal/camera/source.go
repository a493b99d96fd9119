package camera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/dudu/visioncap/internal/frame"
)

// fpsWindow is the number of frame intervals kept for rate statistics.
const fpsWindow = 120

// stallFactor times MaxFrameDuration without a frame marks a source stalled.
const stallFactor = 4

// Status describes the source.
type Status struct {
	DeviceID  string `json:"deviceId"`
	Driver    string `json:"driver"`
	SessionID string `json:"sessionId,omitempty"`
	Running   bool   `json:"running"`
	Stalled   bool   `json:"stalled"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`

	Captured  uint64 `json:"captured"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`

	// FPS is the measured capture rate; IntervalStdDev is the frame
	// interval jitter in seconds.
	FPS            float64 `json:"fps"`
	IntervalStdDev float64 `json:"intervalStdDev"`

	LastFrame time.Time `json:"lastFrame"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Source reads frames from one device and hands them to a callback on a
// dedicated delivery goroutine. Frames that arrive while the callback is
// still busy replace the one waiting; nothing queues behind it.
type Source struct {
	driver Driver
	cfg    Config
	log    logrus.FieldLogger

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex
	device    Device
	stop      chan struct{}
	wg        sync.WaitGroup

	// state guards status fields written by the reader
	state     sync.Mutex
	deviceID  string
	sessionID string
	running   bool
	lastErr   error
	size      struct{ w, h int }
	lastFrame time.Time
	intervals []float64

	// slot is the single-frame mailbox between reader and delivery
	slotMu  sync.Mutex
	cond    *sync.Cond
	pending *frame.Frame
	closed  bool
	onFrame func(*frame.Frame)

	seq       atomic.Uint64
	captured  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewSource creates a stopped source.
func NewSource(driver Driver, cfg Config, log logrus.FieldLogger) *Source {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = DefaultConfig().MaxReadFailures
	}
	s := &Source{
		driver: driver,
		cfg:    cfg,
		log:    log.WithFields(logrus.Fields{"component": "camera", "driver": driver.Name()}),
	}
	s.cond = sync.NewCond(&s.slotMu)
	return s
}

// OnFrame sets the frame callback, replacing any previous one. It runs on
// the delivery goroutine and should return quickly. It must not call Start
// or Stop: both wait for the delivery goroutine and would deadlock. Hand
// the call to another goroutine instead.
func (s *Source) OnFrame(fn func(*frame.Frame)) {
	s.slotMu.Lock()
	s.onFrame = fn
	s.slotMu.Unlock()
}

// Start binds deviceID and begins delivering frames. Any bound device is
// released first. Failures are logged and reported through Status; the
// source then stays stopped.
func (s *Source) Start(deviceID string) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stopLocked()

	log := s.log.WithField("device", deviceID)
	dev, err := s.driver.Open(deviceID, s.cfg)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) && !errors.Is(err, ErrPermissionDenied) &&
			!errors.Is(err, ErrDeviceAttachFailed) {
			err = fmt.Errorf("%w: %v", ErrDeviceAttachFailed, err)
		}
		log.WithError(err).Error("failed to start capture")

		s.state.Lock()
		s.deviceID = deviceID
		s.sessionID = ""
		s.lastErr = err
		s.state.Unlock()
		return
	}

	size := dev.Size()
	session := uuid.NewString()

	s.state.Lock()
	s.deviceID = deviceID
	s.sessionID = session
	s.running = true
	s.lastErr = nil
	s.size.w, s.size.h = size.X, size.Y
	s.lastFrame = time.Time{}
	s.intervals = s.intervals[:0]
	s.state.Unlock()

	s.slotMu.Lock()
	s.closed = false
	s.pending = nil
	s.slotMu.Unlock()

	s.device = dev
	s.stop = make(chan struct{})
	s.wg.Add(2)
	go s.readLoop(dev, s.stop, session)
	go s.deliverLoop()

	log.WithFields(logrus.Fields{"session": session, "size": size}).Info("capture started")
}

// Stop releases the device. Stopping a stopped source does nothing.
func (s *Source) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
}

func (s *Source) stopLocked() {
	if s.device == nil {
		return
	}

	close(s.stop)
	s.slotMu.Lock()
	s.closed = true
	s.pending = nil
	s.cond.Broadcast()
	s.slotMu.Unlock()

	if err := s.device.Close(); err != nil {
		s.log.WithError(err).Warn("failed to close device")
	}
	s.wg.Wait()
	s.device = nil

	s.state.Lock()
	s.running = false
	id := s.deviceID
	s.state.Unlock()

	s.log.WithField("device", id).Info("capture stopped")
}

// Running reports whether frames are being read.
func (s *Source) Running() bool {
	s.state.Lock()
	defer s.state.Unlock()
	return s.running
}

// Status returns a snapshot of the source state.
func (s *Source) Status() Status {
	s.state.Lock()
	defer s.state.Unlock()

	st := Status{
		DeviceID:  s.deviceID,
		Driver:    s.driver.Name(),
		SessionID: s.sessionID,
		Running:   s.running,
		Width:     s.size.w,
		Height:    s.size.h,
		Captured:  s.captured.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		LastFrame: s.lastFrame,
		Err:       s.lastErr,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	if len(s.intervals) > 1 {
		mean, std := stat.MeanStdDev(s.intervals, nil)
		if mean > 0 {
			st.FPS = 1 / mean
		}
		st.IntervalStdDev = std
	}
	if s.running && s.cfg.MaxFrameDuration > 0 && !s.lastFrame.IsZero() {
		st.Stalled = time.Since(s.lastFrame) > stallFactor*s.cfg.MaxFrameDuration
	}
	return st
}

func (s *Source) readLoop(dev Device, stop <-chan struct{}, session string) {
	defer s.wg.Done()

	failures := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		img, err := dev.Read()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}

			failures++
			s.log.WithError(err).WithField("failures", failures).Warn("frame read failed")
			if failures >= s.cfg.MaxReadFailures {
				s.fail(fmt.Errorf("%w: %d consecutive read failures: %v", ErrDeviceUnavailable, failures, err))
				return
			}
			continue
		}
		failures = 0

		f := frame.New(img, s.seq.Add(1))
		f.SessionID = session
		s.record(f.Timestamp)
		s.publish(f)
	}
}

// fail marks the source unhealthy after the reader gives up.
func (s *Source) fail(err error) {
	s.log.WithError(err).Error("capture device unhealthy")

	s.state.Lock()
	s.running = false
	s.lastErr = err
	s.state.Unlock()
}

func (s *Source) record(ts time.Time) {
	s.captured.Add(1)

	s.state.Lock()
	defer s.state.Unlock()

	if !s.lastFrame.IsZero() {
		if len(s.intervals) == fpsWindow {
			copy(s.intervals, s.intervals[1:])
			s.intervals = s.intervals[:fpsWindow-1]
		}
		s.intervals = append(s.intervals, ts.Sub(s.lastFrame).Seconds())
	}
	s.lastFrame = ts
}

// publish puts f in the mailbox, replacing an undelivered frame.
func (s *Source) publish(f *frame.Frame) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	if s.closed {
		return
	}
	if s.pending != nil {
		s.dropped.Add(1)
	}
	s.pending = f
	s.cond.Signal()
}

func (s *Source) deliverLoop() {
	defer s.wg.Done()

	for {
		s.slotMu.Lock()
		for s.pending == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.slotMu.Unlock()
			return
		}
		f := s.pending
		s.pending = nil
		fn := s.onFrame
		s.slotMu.Unlock()

		if fn != nil {
			fn(f)
		}
		s.delivered.Add(1)
	}
}
