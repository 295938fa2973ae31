package camera

import (
	"sync"

	"github.com/cjeanneret/stagescan/internal/hw/vendor"
)

// System is the process-wide camera system. It is acquired by each session
// on connect and released on disconnect; one session at a time may own a
// camera.
type System struct {
	inst *vendor.Instance[Backend]

	mu      sync.Mutex
	claimed bool
}

// NewSystem wraps a backend. The backend is opened on first Acquire and
// closed by the last Release.
func NewSystem(open func() (Backend, error)) *System {
	return &System{inst: vendor.New("camera system", open, Backend.Close)}
}

// Acquire returns the backend and takes a reference on it.
func (s *System) Acquire() (Backend, error) {
	return s.inst.Acquire()
}

// Release drops a reference taken by Acquire.
func (s *System) Release() error {
	return s.inst.Release()
}

// Refs returns the number of outstanding references.
func (s *System) Refs() int {
	return s.inst.Refs()
}

// claim gives the caller exclusive camera ownership.
func (s *System) claim(b Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed || b.InUse() {
		return ErrDeviceBusy
	}
	s.claimed = true
	return nil
}

func (s *System) unclaim() {
	s.mu.Lock()
	s.claimed = false
	s.mu.Unlock()
}
