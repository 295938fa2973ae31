// Package camera controls the machine-vision camera: the process-wide camera
// system, one exclusive acquisition session, PNG output and the live preview.
package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	ErrNoDeviceFound   = errors.New("no camera detected")
	ErrDeviceBusy      = errors.New("camera system is in use")
	ErrFrameIncomplete = errors.New("image incomplete")
	ErrNotConnected    = errors.New("camera not connected")
	ErrUnknownNode     = errors.New("unknown camera node")
)

// Node names of the GenICam features the session uses.
const (
	NodeBufferHandling  = "StreamBufferHandlingMode"
	NodeAcquisitionMode = "AcquisitionMode"
	NodeExposureAuto    = "ExposureAuto"
	NodeExposureTime    = "ExposureTime"
	NodeGain            = "Gain"
)

// Backend is a camera SDK.
type Backend interface {
	LibraryVersion() string
	// InUse reports whether another process holds the SDK.
	InUse() bool
	// Cameras enumerates the attached cameras.
	Cameras() ([]Device, error)
	// Close releases the SDK once the last session is gone.
	Close() error
}

// Device is one enumerated camera, reduced to the features the station uses.
type Device interface {
	// Info returns the transport-layer device information.
	Info() map[string]string
	Init() error
	DeInit() error
	// SetEnum selects an entry of an enumeration node.
	SetEnum(node, entry string) error
	// FloatRange returns the bounds of a float node.
	FloatRange(node string) (min, max float64, err error)
	SetFloat(node string, v float64) error
	BeginAcquisition() error
	EndAcquisition() error
	// NextImage waits at most timeout for the next frame.
	NextImage(ctx context.Context, timeout time.Duration) (Frame, error)
}

// Frame is one acquired image.
type Frame struct {
	Image      *image.RGBA
	Incomplete bool
	Status     int // SDK image status when Incomplete
}

// Trigger fires the camera before a capture.
type Trigger interface {
	Fire() error
}

// Settings are the user-adjustable acquisition parameters.
type Settings struct {
	ExposureTime float64 // µs
	Gain         float64 // dB
}
