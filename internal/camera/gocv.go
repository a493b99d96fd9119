package camera

import (
	"fmt"
	"image"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// GoCVDriver opens devices through OpenCV's VideoCapture. Device ids are
// either an index ("0") or a device path ("/dev/video2").
type GoCVDriver struct {
	log logrus.FieldLogger
}

// NewGoCVDriver creates the OpenCV driver.
func NewGoCVDriver(log logrus.FieldLogger) *GoCVDriver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &GoCVDriver{log: log.WithField("driver", "gocv")}
}

func (d *GoCVDriver) Name() string { return "gocv" }

// Open opens and configures a device.
func (d *GoCVDriver) Open(deviceID string, cfg Config) (Device, error) {
	var target interface{} = deviceID
	path := deviceID
	if idx, err := strconv.Atoi(deviceID); err == nil {
		target = idx
		path = fmt.Sprintf("/dev/video%d", idx)
	}

	if err := checkAccess(path); err != nil {
		return nil, err
	}

	webcam, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open camera %s: %v", ErrDeviceAttachFailed, deviceID, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return nil, fmt.Errorf("%w: camera %s did not open", ErrDeviceAttachFailed, deviceID)
	}

	log := d.log.WithField("device", deviceID)
	defaultFPS := webcam.Get(gocv.VideoCaptureFPS)

	// Set camera properties
	if cfg.Width > 0 && cfg.Height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if fps := cfg.FPS(); fps > 0 {
		webcam.Set(gocv.VideoCaptureFPS, fps)
		if actual := webcam.Get(gocv.VideoCaptureFPS); actual > 0 && math.Abs(actual-fps) > 0.5 {
			log.WithFields(logrus.Fields{"requested": fps, "actual": actual}).
				Warn("frame rate not supported, using device default")
		}
	}

	// Get actual dimensions (camera may not support requested resolution)
	size := image.Pt(
		int(webcam.Get(gocv.VideoCaptureFrameWidth)),
		int(webcam.Get(gocv.VideoCaptureFrameHeight)),
	)
	if cfg.Width > 0 && (size.X != cfg.Width || size.Y != cfg.Height) {
		log.WithFields(logrus.Fields{"requested": image.Pt(cfg.Width, cfg.Height), "actual": size}).
			Warn("resolution not supported, using device default")
	}

	return &gocvDevice{
		webcam:     webcam,
		mat:        gocv.NewMat(),
		size:       size,
		defaultFPS: defaultFPS,
	}, nil
}

// checkAccess maps filesystem errors for a device node to capture errors.
// Paths that are not device nodes (e.g. on macOS indexes have none) pass.
func checkAccess(path string) error {
	f, err := os.Open(path)
	switch {
	case err == nil:
		f.Close()
		return nil
	case os.IsNotExist(err):
		if _, statErr := os.Stat("/dev"); statErr != nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, path)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	default:
		return fmt.Errorf("%w: %s: %v", ErrDeviceAttachFailed, path, err)
	}
}

// gocvDevice manages webcam capture
type gocvDevice struct {
	mu         sync.Mutex
	webcam     *gocv.VideoCapture
	mat        gocv.Mat
	size       image.Point
	defaultFPS float64
}

// Read captures a frame
func (c *gocvDevice) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcam == nil {
		return nil, fmt.Errorf("%w: device closed", ErrDeviceUnavailable)
	}
	if !c.webcam.Read(&c.mat) || c.mat.Empty() {
		return nil, ErrReadFailed
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return img, nil
}

// Size returns frame size
func (c *gocvDevice) Size() image.Point {
	return c.size
}

// Close restores the default frame rate and releases the camera
func (c *gocvDevice) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.webcam == nil {
		return nil
	}
	if c.defaultFPS > 0 {
		c.webcam.Set(gocv.VideoCaptureFPS, c.defaultFPS)
	}
	err := c.webcam.Close()
	c.webcam = nil
	c.mat.Close()
	return err
}
