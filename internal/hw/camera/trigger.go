package camera

import (
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/gpio"
)

// GPIOTrigger pulses a GPIO line wired to the camera trigger input (Line0).
// The line idles LOW; the camera latches the rising edge.
type GPIOTrigger struct {
	gpio  gpio.Driver
	pin   int
	pulse time.Duration
}

// NewGPIOTrigger configures pin as an output held LOW.
func NewGPIOTrigger(g gpio.Driver, pin int, pulse time.Duration) *GPIOTrigger {
	_ = g.SetupPin(pin, gpio.Output)
	_ = g.WritePin(pin, gpio.Low)

	if pulse <= 0 {
		pulse = time.Millisecond
	}
	return &GPIOTrigger{gpio: g, pin: pin, pulse: pulse}
}

// Fire emits one trigger pulse.
func (t *GPIOTrigger) Fire() error {
	debug.Verbose("Camera: trigger pulse on pin %d (%v)", t.pin, t.pulse)
	if err := gpio.Pulse(t.gpio, t.pin, t.pulse); err != nil {
		// never leave the line asserted
		_ = t.gpio.WritePin(t.pin, gpio.Low)
		return err
	}
	return nil
}
