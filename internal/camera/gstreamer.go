package camera

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GStreamerDriver captures from V4L2 devices through a GStreamer pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGBA) → appsink
//
// It needs a fixed Width and Height so the RGBA buffers can be framed.
type GStreamerDriver struct {
	log logrus.FieldLogger
}

// NewGStreamerDriver creates the GStreamer driver.
func NewGStreamerDriver(log logrus.FieldLogger) *GStreamerDriver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &GStreamerDriver{log: log.WithField("driver", "gstreamer")}
}

func (d *GStreamerDriver) Name() string { return "gstreamer" }

// pipelineString builds the launch line for a device.
func pipelineString(path string, cfg Config) string {
	var caps strings.Builder
	fmt.Fprintf(&caps, "video/x-raw,format=RGBA,width=%d,height=%d", cfg.Width, cfg.Height)
	if cfg.MinFrameDuration > 0 {
		// framerate as a fraction of microseconds
		fmt.Fprintf(&caps, ",framerate=1000000/%d", cfg.MinFrameDuration.Microseconds())
	}
	return fmt.Sprintf(
		"v4l2src device=%s ! videoconvert ! videoscale ! videorate ! %s ! appsink name=sink sync=false max-buffers=1 drop=true",
		path, caps.String(),
	)
}

// Open builds and starts the pipeline for a device.
func (d *GStreamerDriver) Open(deviceID string, cfg Config) (Device, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: gstreamer capture needs a fixed resolution", ErrDeviceAttachFailed)
	}

	path := deviceID
	if idx, err := strconv.Atoi(deviceID); err == nil {
		path = fmt.Sprintf("/dev/video%d", idx)
	}
	if err := checkAccess(path); err != nil {
		return nil, err
	}

	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	launch := pipelineString(path, cfg)
	log := d.log.WithField("device", deviceID)
	log.WithField("pipeline", launch).Debug("creating pipeline")

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create pipeline: %v", ErrDeviceAttachFailed, err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: appsink not found: %v", ErrDeviceAttachFailed, err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("%w: failed to start pipeline: %v", ErrDeviceAttachFailed, err)
	}

	return &gstDevice{
		pipeline: pipeline,
		sink:     app.SinkFromElement(elem),
		size:     image.Pt(cfg.Width, cfg.Height),
	}, nil
}

type gstDevice struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	size     image.Point

	mu     sync.Mutex
	closed bool
}

// Read pulls the next sample from the appsink. It returns when the pipeline
// stops.
func (g *gstDevice) Read() (image.Image, error) {
	sample := g.sink.PullSample()
	if sample == nil {
		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("%w: device closed", ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("%w: end of stream", ErrReadFailed)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("%w: sample has no buffer", ErrReadFailed)
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	img := image.NewRGBA(image.Rectangle{Max: g.size})
	if len(data) < len(img.Pix) {
		return nil, fmt.Errorf("%w: short buffer (%d < %d bytes)", ErrReadFailed, len(data), len(img.Pix))
	}
	// Copy frame data (GStreamer will reuse buffer)
	copy(img.Pix, data)
	return img, nil
}

func (g *gstDevice) Size() image.Point {
	return g.size
}

// Close stops the pipeline, which unblocks a pending Read.
func (g *gstDevice) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	return g.pipeline.SetState(gst.StateNull)
}
