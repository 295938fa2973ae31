// Package kinesis drives Thorlabs KCube motor controllers.
//
// A Device is one controller. APTDevice speaks the APT binary protocol over
// the controller's USB serial port; SimDevice simulates a stage in process
// for development without hardware and for tests.
package kinesis

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrInitTimeout      = errors.New("settings initialization timed out")
	ErrNotConnected     = errors.New("device not connected")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOutOfRange       = errors.New("position out of range")
	ErrUnknownDevice    = errors.New("device not in device list")
)

// Direction of a jog.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Sign returns +1 for Forward and -1 for Backward.
func (d Direction) Sign() float64 {
	if d == Backward {
		return -1
	}
	return 1
}

// DirectionOf returns the jog direction that moves along sign.
func DirectionOf(sign int) Direction {
	if sign < 0 {
		return Backward
	}
	return Forward
}

// Status is one status update from a controller.
type Status struct {
	Position float64 // mm
	Moving   bool    // a move, jog or homing is in progress
	Homed    bool
}

// Device is one motor controller.
type Device interface {
	// Connect opens the communication channel.
	Connect(ctx context.Context) error
	// WaitSettingsInitialized blocks until the controller reports its
	// settings, or returns ErrInitTimeout.
	WaitSettingsInitialized(ctx context.Context, timeout time.Duration) error
	// StartPolling requests a status update every interval and passes each
	// one to fn. fn runs on the device goroutine and must not block.
	StartPolling(interval time.Duration, fn func(Status)) error
	StopPolling()
	Enable() error
	// LoadProfile applies the named stage profile.
	LoadProfile(name string) error
	// Home moves to the home switch and blocks until homed or ctx is done.
	Home(ctx context.Context) error
	// MoveTo starts an absolute move. Completion is reported through status.
	MoveTo(position float64) error
	// MoveJog starts one jog step. Completion is reported through status.
	MoveJog(dir Direction) error
	SetJogStep(step float64) error
	SetVelocity(maxVelocity, acceleration float64) error
	// Stop halts any motion.
	Stop() error
	Disconnect() error
}

// State is the lifecycle of a device handle.
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

// Handle identifies one opened device and tracks its lifecycle state.
type Handle struct {
	Serial  string
	Class   Class
	Profile string
	Device  Device

	mu       sync.Mutex
	state    State
	release  func() error
	released bool
}

// State returns the handle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState records a lifecycle transition.
func (h *Handle) SetState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// Close returns the handle to its manager. Further calls are no-ops.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.state = Disconnected
	release := h.release
	h.mu.Unlock()

	if release != nil {
		return release()
	}
	return nil
}
