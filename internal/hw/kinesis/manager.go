package kinesis

import (
	"fmt"
	"os"
	"sort"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/vendor"
)

// ManagerConfig describes the controllers known to the station.
type ManagerConfig struct {
	Classes Classes           // class table keyed by serial
	Ports   map[string]string // serial port per serial number
	Mock    bool              // simulate every controller
	Sim     SimOptions        // simulated stage tuning when Mock is set
}

// Manager hands out device handles. The device list is built when the
// first handle is opened and dropped when the last one is closed.
type Manager struct {
	cfg  ManagerConfig
	list *vendor.Instance[map[string]bool]
}

// NewManager creates a manager. Nothing is opened until Open.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{cfg: cfg}
	m.list = vendor.New("kinesis device list", m.buildDeviceList, nil)
	return m
}

// buildDeviceList lists the reachable controllers: every configured serial
// in mock mode, otherwise those whose serial port exists.
func (m *Manager) buildDeviceList() (map[string]bool, error) {
	found := make(map[string]bool, len(m.cfg.Ports))
	for serial, port := range m.cfg.Ports {
		if m.cfg.Mock {
			found[serial] = true
			continue
		}
		if _, err := os.Stat(port); err == nil {
			found[serial] = true
		} else {
			debug.Verbose("KCube %s: port %s not present", serial, port)
		}
	}
	debug.Verbose("device list: %v", sortedKeys(found))
	return found, nil
}

// Open returns a handle on the controller with the given serial number.
// The handle must be closed to release the device list.
func (m *Manager) Open(serial string) (*Handle, error) {
	list, err := m.list.Acquire()
	if err != nil {
		return nil, err
	}
	if !list[serial] {
		_ = m.list.Release()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}

	entry := m.cfg.Classes.Resolve(serial)
	var dev Device
	if m.cfg.Mock {
		dev = NewSimDevice(serial, entry.Class, m.cfg.Sim)
	} else {
		port := m.cfg.Ports[serial]
		dev = NewAPTDevice(serial, entry.Class, func() (Port, error) {
			return OpenSerial(SerialConfig{Device: port, Baud: DefaultBaud})
		})
	}

	return &Handle{
		Serial:  serial,
		Class:   entry.Class,
		Profile: entry.Profile,
		Device:  dev,
		release: m.list.Release,
	}, nil
}

// InUse returns the number of open handles.
func (m *Manager) InUse() int {
	return m.list.Refs()
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
