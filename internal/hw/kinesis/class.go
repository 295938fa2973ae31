package kinesis

import (
	"fmt"
	"strings"
)

// Class is the controller family of a KCube. It decides where stage
// settings come from and which status messages the controller speaks.
type Class int

const (
	DCServo   Class = iota // KDC101 driving a DC servo stage (e.g. MTS50-Z8)
	Brushless              // KBD101 driving a direct-drive stage (e.g. DDS050)
)

func (c Class) String() string {
	switch c {
	case DCServo:
		return "dc_servo"
	case Brushless:
		return "brushless"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ParseClass maps a config class name to a Class. The empty string is DCServo.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dc_servo", "dcservo":
		return DCServo, nil
	case "brushless":
		return Brushless, nil
	}
	return DCServo, fmt.Errorf("unknown controller class %q", s)
}

// Capabilities describes what differs between controller families.
type Capabilities struct {
	Model              string  // controller model name
	SettingsFromDevice bool    // stage settings stored in the controller rather than the settings file
	DefaultProfile     string  // stage profile used when none is configured
	StatusRequest      uint16  // message requesting a status update
	StatusUpdate       uint16  // status update message
	KeepAlive          bool    // controller expects MOT_ACK_DCSTATUSUPDATE while polled
	SamplePeriod       float64 // servo loop period used for velocity scaling (s)
}

// Capabilities returns the capability set of c.
func (c Class) Capabilities() Capabilities {
	switch c {
	case Brushless:
		return Capabilities{
			Model:              "KBD101",
			SettingsFromDevice: true,
			DefaultProfile:     "DDS050",
			StatusRequest:      msgReqStatusUpdate,
			StatusUpdate:       msgGetStatusUpdate,
			SamplePeriod:       102.4e-6,
		}
	default:
		return Capabilities{
			Model:          "KDC101",
			DefaultProfile: "MTS50-Z8",
			StatusRequest:  msgReqDCStatusUpdate,
			StatusUpdate:   msgGetDCStatusUpdate,
			KeepAlive:      true,
			SamplePeriod:   2048.0 / 6e6,
		}
	}
}

// ClassEntry is one row of the class table.
type ClassEntry struct {
	Class   Class
	Profile string
}

// Classes resolves controller classes by serial number.
type Classes map[string]ClassEntry

// Resolve returns the class and stage profile of serial. Unknown serials
// are DC servo controllers with the class default profile.
func (t Classes) Resolve(serial string) ClassEntry {
	e, ok := t[serial]
	if !ok {
		e = ClassEntry{Class: DCServo}
	}
	if e.Profile == "" {
		e.Profile = e.Class.Capabilities().DefaultProfile
	}
	return e
}

// Profile holds the physical parameters of a stage.
type Profile struct {
	Name         string
	CountsPerMm  float64
	MinPosition  float64 // mm
	MaxPosition  float64 // mm
	MaxVelocity  float64 // mm/s
	Acceleration float64 // mm/s²
	JogVelocity  float64 // mm/s
	JogAccel     float64 // mm/s²
}

var profiles = map[string]Profile{
	"MTS50-Z8": {
		Name: "MTS50-Z8", CountsPerMm: 34304,
		MinPosition: 0, MaxPosition: 50,
		MaxVelocity: 2.4, Acceleration: 4.5,
		JogVelocity: 2.4, JogAccel: 1.5,
	},
	"Z825B": {
		Name: "Z825B", CountsPerMm: 34304,
		MinPosition: 0, MaxPosition: 25,
		MaxVelocity: 2.3, Acceleration: 1.5,
		JogVelocity: 2.3, JogAccel: 1.5,
	},
	"DDS050": {
		Name: "DDS050", CountsPerMm: 20000,
		MinPosition: 0, MaxPosition: 50,
		MaxVelocity: 500, Acceleration: 5000,
		JogVelocity: 100, JogAccel: 1000,
	},
}

// LookupProfile returns the named stage profile.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown stage profile %q", ErrInvalidParameter, name)
	}
	return p, nil
}

// Check rejects positions outside the stage travel.
func (p Profile) Check(mm float64) error {
	if mm < p.MinPosition || mm > p.MaxPosition {
		return fmt.Errorf("%w: %g mm outside %s travel [%g, %g]",
			ErrOutOfRange, mm, p.Name, p.MinPosition, p.MaxPosition)
	}
	return nil
}
