// Package camera delivers frames from a single live capture device.
package camera

import (
	"errors"
	"image"
	"time"
)

var (
	// ErrDeviceUnavailable means the device does not exist or stopped producing frames.
	ErrDeviceUnavailable = errors.New("camera: device unavailable")

	// ErrPermissionDenied means the process may not open the device.
	ErrPermissionDenied = errors.New("camera: permission denied")

	// ErrDeviceAttachFailed means the device exists but could not be opened or configured.
	ErrDeviceAttachFailed = errors.New("camera: device attach failed")

	// ErrReadFailed is returned by Device.Read for a single failed frame.
	ErrReadFailed = errors.New("camera: frame read failed")
)

// Config holds capture settings.
type Config struct {
	// Width and Height request a capture resolution. Zero keeps the device default.
	Width  int
	Height int

	// MinFrameDuration is the shortest interval between frames (the requested rate).
	MinFrameDuration time.Duration

	// MaxFrameDuration is the longest expected interval; a running source
	// with no frame for several of these reports itself stalled.
	MaxFrameDuration time.Duration

	// MaxReadFailures is the number of consecutive read errors after which
	// the source gives up on the device.
	MaxReadFailures int
}

// DefaultConfig returns 720p at 30 fps.
func DefaultConfig() Config {
	return Config{
		Width:            1280,
		Height:           720,
		MinFrameDuration: time.Second / 30,
		MaxFrameDuration: time.Second / 15,
		MaxReadFailures:  30,
	}
}

// FPS returns the frame rate implied by MinFrameDuration.
func (c Config) FPS() float64 {
	if c.MinFrameDuration <= 0 {
		return 0
	}
	return float64(time.Second) / float64(c.MinFrameDuration)
}

// Driver opens capture devices.
type Driver interface {
	Name() string
	Open(deviceID string, cfg Config) (Device, error)
}

// Device is an opened capture device. Close may be called concurrently
// with Read; a Read in progress returns within one frame period.
type Device interface {
	// Read blocks until the next frame.
	Read() (image.Image, error)

	// Size returns the negotiated frame size.
	Size() image.Point

	Close() error
}
