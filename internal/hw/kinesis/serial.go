package kinesis

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream to one controller.
type Port interface {
	io.ReadWriteCloser
}

// SerialConfig describes the USB serial port of a KCube.
type SerialConfig struct {
	Device      string        // e.g. "/dev/ttyUSB0", "COM4"
	Baud        int           // 115200 for every KCube
	ReadTimeout time.Duration // read poll period, lets the reader notice Close
}

// DefaultBaud is the fixed KCube line rate.
const DefaultBaud = 115200

// OpenSerial opens a controller port with tarm/serial.
func OpenSerial(cfg SerialConfig) (Port, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: serial port not configured", ErrInvalidParameter)
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return port, nil
}
