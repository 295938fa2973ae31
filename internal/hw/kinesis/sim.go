package kinesis

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
)

// SimOptions tunes a simulated stage.
type SimOptions struct {
	Velocity   float64       // mm/s, 0 = 2.4
	Start      float64       // initial position (mm)
	InitDelay  time.Duration // time before settings report initialized
	ConnectErr error         // returned by Connect
	Stall      bool          // motion never completes
}

// SimDevice is an in-process stage moving at constant velocity.
type SimDevice struct {
	serial string
	class  Class
	opts   SimOptions

	mu        sync.Mutex
	connected bool
	readyAt   time.Time
	enabled   bool
	profile   Profile
	pos       float64
	target    float64
	moving    bool
	homed     bool
	jogStep   float64
	last      time.Time
	commands  int
	onStatus  func(Status)
	pollStop  chan struct{}
	pollDone  chan struct{}
}

// NewSimDevice creates a simulated controller.
func NewSimDevice(serial string, class Class, opts SimOptions) *SimDevice {
	if opts.Velocity <= 0 {
		opts.Velocity = 2.4
	}
	profile, _ := LookupProfile(class.Capabilities().DefaultProfile)
	return &SimDevice{
		serial:  serial,
		class:   class,
		opts:    opts,
		profile: profile,
		pos:     opts.Start,
		target:  opts.Start,
	}
}

func (s *SimDevice) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.opts.ConnectErr != nil {
		return s.opts.ConnectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		s.connected = true
		s.readyAt = time.Now().Add(s.opts.InitDelay)
		s.last = time.Now()
		debug.Verbose("SIM KCube %s (%s) connected", s.serial, s.class)
	}
	return nil
}

func (s *SimDevice) WaitSettingsInitialized(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	wait := time.Until(s.readyAt)
	s.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	if wait > timeout {
		select {
		case <-time.After(timeout):
			return fmt.Errorf("%w after %v", ErrInitTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SimDevice) StartPolling(interval time.Duration, fn func(Status)) error {
	if interval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidParameter)
	}
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.onStatus = fn
	if s.pollStop != nil {
		s.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.pollStop, s.pollDone = stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				s.advance(time.Now())
				st, cb := s.statusLocked(), s.onStatus
				s.mu.Unlock()
				if cb != nil {
					cb(st)
				}
			}
		}
	}()
	return nil
}

func (s *SimDevice) StopPolling() {
	s.mu.Lock()
	stop, done := s.pollStop, s.pollDone
	s.pollStop, s.pollDone = nil, nil
	s.onStatus = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *SimDevice) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.enabled = true
	return nil
}

func (s *SimDevice) LoadProfile(name string) error {
	p, err := LookupProfile(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.profile = p
	return nil
}

func (s *SimDevice) Home(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.advance(time.Now())
	s.target = s.profile.MinPosition
	s.moving = true
	s.homed = false
	s.commands++
	s.mu.Unlock()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return fmt.Errorf("homing: %w", ctx.Err())
		case <-ticker.C:
			s.mu.Lock()
			s.advance(time.Now())
			if !s.moving {
				s.homed = true
				s.mu.Unlock()
				return nil
			}
			s.mu.Unlock()
		}
	}
}

func (s *SimDevice) MoveTo(position float64) error {
	if math.IsNaN(position) || math.IsInf(position, 0) {
		return fmt.Errorf("%w: position %g", ErrInvalidParameter, position)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if err := s.profile.Check(position); err != nil {
		return err
	}
	s.advance(time.Now())
	s.target = position
	s.moving = true
	s.commands++
	return nil
}

func (s *SimDevice) MoveJog(dir Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.jogStep <= 0 {
		return fmt.Errorf("%w: jog step not set", ErrInvalidParameter)
	}
	s.advance(time.Now())
	next := s.target + dir.Sign()*s.jogStep
	if err := s.profile.Check(next); err != nil {
		return err
	}
	s.target = next
	s.moving = true
	s.commands++
	return nil
}

func (s *SimDevice) SetJogStep(step float64) error {
	if !(step > 0) || math.IsInf(step, 0) {
		return fmt.Errorf("%w: jog step must be > 0, got %g", ErrInvalidParameter, step)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.jogStep = step
	return nil
}

func (s *SimDevice) SetVelocity(maxVelocity, acceleration float64) error {
	if maxVelocity < 0 || acceleration < 0 {
		return fmt.Errorf("%w: velocity and acceleration must be >= 0", ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxVelocity > 0 {
		s.opts.Velocity = maxVelocity
	}
	return nil
}

func (s *SimDevice) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(time.Now())
	s.target = s.pos
	s.moving = false
	return nil
}

func (s *SimDevice) Disconnect() error {
	s.StopPolling()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		debug.Verbose("SIM KCube %s disconnected", s.serial)
	}
	s.connected = false
	s.enabled = false
	return nil
}

// Status returns the current simulated state.
func (s *SimDevice) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(time.Now())
	return s.statusLocked()
}

// Commands returns the number of motion commands accepted so far.
func (s *SimDevice) Commands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands
}

// JogStep returns the configured jog step.
func (s *SimDevice) JogStep() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jogStep
}

// Enabled reports whether the channel is enabled.
func (s *SimDevice) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *SimDevice) statusLocked() Status {
	return Status{Position: s.pos, Moving: s.moving, Homed: s.homed}
}

// advance moves the stage towards its target for the time elapsed since the
// last call.
func (s *SimDevice) advance(now time.Time) {
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if !s.moving || s.opts.Stall || dt <= 0 {
		return
	}
	remaining := s.target - s.pos
	stepMax := s.opts.Velocity * dt
	if math.Abs(remaining) <= stepMax {
		s.pos = s.target
		s.moving = false
		return
	}
	s.pos += math.Copysign(stepMax, remaining)
}
