package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/metrics"
)

// State is the lifecycle of the camera session.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// DefaultFrameTimeout bounds one NextImage wait.
const DefaultFrameTimeout = time.Second

// Session owns the first enumerated camera while connected. All camera
// operations are serialized.
type Session struct {
	sys          *System
	frameTimeout time.Duration
	trigger      Trigger
	log          *debug.Logger
	infoLog      *debug.Logger

	mu       sync.Mutex
	acquired bool // holds a system reference
	claimed  bool // owns the camera
	dev      Device
	state    State
	info     map[string]string
}

// NewSession creates a disconnected session. trigger may be nil.
func NewSession(sys *System, frameTimeout time.Duration, trigger Trigger) *Session {
	if frameTimeout <= 0 {
		frameTimeout = DefaultFrameTimeout
	}
	return &Session{
		sys:          sys,
		frameTimeout: frameTimeout,
		trigger:      trigger,
		log:          debug.For("Camera"),
		infoLog:      debug.For("CameraInfo"),
	}
}

// Connect takes the first camera, selects newest-only buffering and
// continuous acquisition, and begins acquisition.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return nil
	}
	s.state = Connecting

	s.log.Info("Checking if system is in use...", "")
	backend, err := s.sys.Acquire()
	if err != nil {
		s.state = Faulted
		return s.log.Fail("Camera system unavailable", err)
	}
	s.acquired = true
	if err := s.sys.claim(backend); err != nil {
		s.releaseLocked()
		s.state = Disconnected
		s.log.Warn("The system is in use...", "")
		return err
	}
	s.claimed = true
	s.log.Info("Library version", backend.LibraryVersion())

	cams, err := backend.Cameras()
	if err == nil && len(cams) == 0 {
		err = ErrNoDeviceFound
	}
	if err != nil {
		s.releaseLocked()
		s.state = Faulted
		return s.log.Fail("No cameras detected...", err)
	}
	s.log.Info(fmt.Sprintf("Number of cameras in list: %d", len(cams)), "")

	dev := cams[0]
	s.info = dev.Info()
	s.logDeviceInfo()

	if err := dev.Init(); err != nil {
		s.releaseLocked()
		s.state = Faulted
		return s.log.Fail("Error initializing camera", err)
	}
	if err := dev.SetEnum(NodeBufferHandling, "NewestOnly"); err != nil {
		s.log.Warn("Unable to set buffer handling mode", err.Error())
	} else {
		s.log.Info("Buffer handling mode set to NewestOnly", "")
	}
	if err := dev.SetEnum(NodeAcquisitionMode, "Continuous"); err != nil {
		s.log.Warn("Unable to set acquisition mode", err.Error())
	} else {
		s.log.Info("Acquisition mode set to continuous", "")
	}
	if err := dev.BeginAcquisition(); err != nil {
		_ = dev.DeInit()
		s.releaseLocked()
		s.state = Faulted
		return s.log.Fail("Error beginning acquisition", err)
	}

	s.dev = dev
	s.state = Ready
	s.log.Info("Camera connected", s.info["DeviceModelName"])
	return nil
}

func (s *Session) logDeviceInfo() {
	keys := make([]string, 0, len(s.info))
	for k := range s.info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.infoLog.Info(k, s.info[k])
	}
}

// CaptureFrame fires the trigger, if any, and waits for the next image.
// An incomplete image yields ErrFrameIncomplete and is not fatal.
func (s *Session) CaptureFrame(ctx context.Context) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureLocked(ctx)
}

// TryCaptureFrame is CaptureFrame for the live view: it gives up at once,
// with ok false, when another operation holds the camera.
func (s *Session) TryCaptureFrame(ctx context.Context) (img *image.RGBA, ok bool, err error) {
	if !s.mu.TryLock() {
		return nil, false, nil
	}
	defer s.mu.Unlock()
	img, err = s.captureLocked(ctx)
	return img, true, err
}

func (s *Session) captureLocked(ctx context.Context) (*image.RGBA, error) {
	if s.dev == nil {
		return nil, ErrNotConnected
	}
	if s.trigger != nil {
		if err := s.trigger.Fire(); err != nil {
			metrics.RecordFrame(false, err)
			return nil, s.log.Fail("Error firing trigger", err)
		}
	}
	frame, err := s.dev.NextImage(ctx, s.frameTimeout)
	if err != nil {
		metrics.RecordFrame(false, err)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, s.log.Fail("Error acquiring frame", err)
	}
	if frame.Incomplete || frame.Image == nil {
		metrics.RecordFrame(true, nil)
		s.log.Warn(fmt.Sprintf("Image incomplete with image status %d", frame.Status), "")
		return nil, fmt.Errorf("%w (status %d)", ErrFrameIncomplete, frame.Status)
	}
	metrics.RecordFrame(false, nil)
	return frame.Image, nil
}

// SetGain sets the gain (dB), clamped to the camera range. It returns the
// value applied.
func (s *Session) SetGain(gain float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return 0, ErrNotConnected
	}
	v, err := s.setClamped(NodeGain, "Gain value", gain)
	if err != nil {
		return 0, s.log.Fail("Error setting gain", err)
	}
	s.log.Info(fmt.Sprintf("Gain set to %g", v), "")
	return v, nil
}

// SetExposureTime turns automatic exposure off and sets the exposure time
// (µs), clamped to the camera range. It returns the value applied.
func (s *Session) SetExposureTime(us float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return 0, ErrNotConnected
	}
	if err := s.dev.SetEnum(NodeExposureAuto, "Off"); err != nil {
		s.log.Warn("Unable to disable automatic exposure", err.Error())
	}
	v, err := s.setClamped(NodeExposureTime, "Exposure time value", us)
	if err != nil {
		return 0, s.log.Fail("Error setting exposure time", err)
	}
	s.log.Info(fmt.Sprintf("Exposure time set to %g microseconds", v), "")
	return v, nil
}

func (s *Session) setClamped(node, label string, v float64) (float64, error) {
	lo, hi, err := s.dev.FloatRange(node)
	if err != nil {
		return 0, err
	}
	if v < lo || v > hi {
		s.log.Warn(fmt.Sprintf("%s %g is out of range", label, v),
			fmt.Sprintf("Adjust to fit within %g - %g", lo, hi))
		v = max(min(v, hi), lo)
	}
	if err := s.dev.SetFloat(node, v); err != nil {
		return 0, err
	}
	return v, nil
}

// ApplySettings sets gain then exposure time and returns the values applied.
func (s *Session) ApplySettings(in Settings) (Settings, error) {
	s.log.Info("Configuring camera settings", "")
	gain, err := s.SetGain(in.Gain)
	if err != nil {
		return Settings{}, s.log.Fail("Failed to set gain", err)
	}
	exposure, err := s.SetExposureTime(in.ExposureTime)
	if err != nil {
		return Settings{}, s.log.Fail("Failed to set exposure time", err)
	}
	s.log.Info("Camera settings configured", "")
	return Settings{ExposureTime: exposure, Gain: gain}, nil
}

// DeviceInfo returns the transport-layer information read on connect.
func (s *Session) DeviceInfo() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.info))
	for k, v := range s.info {
		out[k] = v
	}
	return out
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disconnect ends acquisition and releases the camera system. Safe to call
// repeatedly.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil && !s.acquired {
		s.state = Disconnected
		return nil
	}

	var errs []error
	if s.dev != nil {
		if err := s.dev.EndAcquisition(); err != nil {
			errs = append(errs, err)
		}
		if err := s.dev.DeInit(); err != nil {
			errs = append(errs, err)
		}
		s.dev = nil
	}
	s.releaseLocked()
	s.state = Disconnected

	if err := errors.Join(errs...); err != nil {
		return s.log.Fail("Error disconnecting camera", err)
	}
	s.log.Info("Camera disconnected and resources released", "")
	return nil
}

// releaseLocked drops the exclusive claim and the system reference.
func (s *Session) releaseLocked() {
	if s.claimed {
		s.sys.unclaim()
		s.claimed = false
	}
	if s.acquired {
		_ = s.sys.Release()
		s.acquired = false
	}
}
