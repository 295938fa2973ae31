// Package gpio drives the digital line wired to the camera trigger input.
package gpio

import (
	"sync"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver is a set of GPIO lines. The station only writes the camera trigger
// line; ReadPin exists so tests and the mock can check the line state.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns a MockDriver when mock is set (simulated station),
// otherwise the go-rpio driver of the host board.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver, trigger pulses are only logged")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

// Pulse drives pin high for width, then low again.
func Pulse(d Driver, pin int, width time.Duration) error {
	if err := d.WritePin(pin, High); err != nil {
		return err
	}
	time.Sleep(width)
	return d.WritePin(pin, Low)
}

// Write is one recorded MockDriver write.
type Write struct {
	Pin   int
	Level Level
}

// MockDriver records trigger writes instead of touching hardware.
type MockDriver struct {
	mu     sync.Mutex
	writes []Write
	levels map[int]Level
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	m.writes = append(m.writes, Write{Pin: pin, Level: level})
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}

// Writes returns a copy of the recorded writes.
func (m *MockDriver) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}
