package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/kinesis"
	"github.com/cjeanneret/stagescan/internal/metrics"
)

var (
	ErrConnect          = errors.New("connect failed")
	ErrInitTimeout      = kinesis.ErrInitTimeout
	ErrInvalidParameter = kinesis.ErrInvalidParameter
	ErrMoveTimeout      = errors.New("move timed out")
	ErrNotConnected     = kinesis.ErrNotConnected
	ErrAxisBusy         = errors.New("axis busy")
	ErrSuperseded       = errors.New("move superseded by a newer command")
	ErrReleased         = errors.New("axis released")
)

// BusyPolicy decides what happens to a command issued while another one is
// in flight on the same axis. Commands never overlap on the device.
type BusyPolicy int

const (
	// Reject fails the new command with ErrAxisBusy.
	Reject BusyPolicy = iota
	// Queue waits for the current command to finish.
	Queue
	// Replace ends the wait of the current command (ErrSuperseded) and
	// issues the new one.
	Replace
)

func (p BusyPolicy) String() string {
	switch p {
	case Queue:
		return "queue"
	case Replace:
		return "replace"
	default:
		return "reject"
	}
}

// ParseBusyPolicy maps a config value to a policy. Empty is Reject.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch strings.ToLower(s) {
	case "", "reject":
		return Reject, nil
	case "queue":
		return Queue, nil
	case "replace":
		return Replace, nil
	}
	return Reject, fmt.Errorf("unknown busy policy %q", s)
}

// Options are the timing and arbitration settings of an axis.
type Options struct {
	PollInterval time.Duration
	InitTimeout  time.Duration
	MoveTimeout  time.Duration
	HomeTimeout  time.Duration
	Policy       BusyPolicy
	SkipHome     bool
	JogStep      float64 // initial jog step (mm)
	MaxVelocity  float64 // mm/s, 0 = profile default
	Acceleration float64 // mm/s², 0 = profile default
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 10 * time.Second
	}
	if o.MoveTimeout <= 0 {
		o.MoveTimeout = 60 * time.Second
	}
	if o.HomeTimeout <= 0 {
		o.HomeTimeout = 2 * time.Minute
	}
	if o.JogStep <= 0 {
		o.JogStep = 0.05
	}
}

// State is a snapshot of one axis.
type State struct {
	Name       string  `json:"name"`
	Serial     string  `json:"serial"`
	Class      string  `json:"class"`
	Position   float64 `json:"position"`
	JogStep    float64 `json:"jog_step"`
	Moving     bool    `json:"moving"`
	Homed      bool    `json:"homed"`
	Connection string  `json:"connection"`
}

// Axis controls one motorized stage. Position and moving flag are only
// mutated by the device status callback; waits are woken by it.
type Axis struct {
	name   string
	handle *kinesis.Handle
	dev    kinesis.Device
	opts   Options
	log    *debug.Logger

	sem chan struct{} // one command in flight

	mu        sync.Mutex
	connected bool
	released  bool
	position  float64
	moving    bool
	homed     bool
	jogStep   float64
	updates   uint64        // status updates received
	changed   chan struct{} // closed on every status update
	cancelCur context.CancelFunc
}

// NewAxis wraps a device handle.
func NewAxis(name string, handle *kinesis.Handle, opts Options) *Axis {
	opts.setDefaults()
	return &Axis{
		name:    strings.ToUpper(name),
		handle:  handle,
		dev:     handle.Device,
		opts:    opts,
		log:     debug.For("MotorControl"),
		sem:     make(chan struct{}, 1),
		jogStep: opts.JogStep,
		changed: make(chan struct{}),
	}
}

// Name returns the axis name.
func (a *Axis) Name() string { return a.name }

// Connect opens the device, waits for its settings, starts status polling,
// enables the channel, applies the stage profile and homes. Any failure
// leaves the axis disconnected and the handle Faulted.
func (a *Axis) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return ErrReleased
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	serial := a.handle.Serial
	a.handle.SetState(kinesis.Connecting)
	a.log.Info(fmt.Sprintf("Connecting motor %s", a.name), serial)

	fail := func(step string, err error) error {
		a.dev.StopPolling()
		_ = a.dev.Disconnect()
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		a.handle.SetState(kinesis.Faulted)
		wrapped := fmt.Errorf("%w: motor %s (%s): %s: %w", ErrConnect, a.name, serial, step, err)
		return a.log.Fail(fmt.Sprintf("Failed to connect motor %s", serial), wrapped)
	}

	if err := a.dev.Connect(ctx); err != nil {
		return fail("open", err)
	}
	if err := a.dev.WaitSettingsInitialized(ctx, a.opts.InitTimeout); err != nil {
		return fail("settings initialization", err)
	}
	if err := a.dev.StartPolling(a.opts.PollInterval, a.onStatus); err != nil {
		return fail("start polling", err)
	}
	if err := a.dev.Enable(); err != nil {
		return fail("enable", err)
	}
	if err := a.dev.LoadProfile(a.handle.Profile); err != nil {
		return fail("load profile", err)
	}
	if a.opts.MaxVelocity > 0 || a.opts.Acceleration > 0 {
		if err := a.dev.SetVelocity(a.opts.MaxVelocity, a.opts.Acceleration); err != nil {
			return fail("velocity parameters", err)
		}
	}

	a.mu.Lock()
	a.connected = true
	step := a.jogStep
	a.mu.Unlock()

	if !a.opts.SkipHome {
		if err := a.home(ctx); err != nil {
			return fail("home", err)
		}
	}
	if err := a.dev.SetJogStep(step); err != nil {
		return fail("jog parameters", err)
	}

	a.handle.SetState(kinesis.Ready)
	a.log.Info(fmt.Sprintf("Motor %s connected", serial), fmt.Sprintf("Axis %s, stage %s", a.name, a.handle.Profile))
	return nil
}

// home holds the command slot for the whole homing motion; moves issued
// meanwhile go through the busy policy.
func (a *Axis) home(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.sem }()

	a.log.Info(fmt.Sprintf("Homing motor %s", a.name), "")
	hctx, cancel := context.WithTimeout(ctx, a.opts.HomeTimeout)
	defer cancel()

	start := time.Now()
	err := a.dev.Home(hctx)
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: homing after %v", ErrMoveTimeout, a.opts.HomeTimeout)
	}
	metrics.RecordMove(a.name, "home", time.Since(start).Seconds(), err)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.homed = true
	a.mu.Unlock()
	a.log.Info(fmt.Sprintf("Motor %s homed", a.name), "")
	return nil
}

// onStatus runs on the device goroutine for every status update.
func (a *Axis) onStatus(st kinesis.Status) {
	a.mu.Lock()
	a.position = st.Position
	a.moving = st.Moving
	a.homed = a.homed || st.Homed
	a.updates++
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()
	metrics.SetPosition(a.name, st.Position)
}

func (a *Axis) notConnected() error {
	return fmt.Errorf("%w: axis %s (%s)", ErrNotConnected, a.name, a.handle.Serial)
}

// SetJogParameters sets the single-step jog distance (mm).
func (a *Axis) SetJogParameters(step float64) error {
	if !(step > 0) || math.IsInf(step, 0) {
		return a.log.Fail("Invalid jog step size",
			fmt.Errorf("%w: jog step must be > 0, got %g", ErrInvalidParameter, step))
	}
	if !a.isConnected() {
		return a.log.Fail(fmt.Sprintf("Cannot set jog parameters on motor %s", a.name), a.notConnected())
	}
	if err := a.dev.SetJogStep(step); err != nil {
		return a.log.Fail(fmt.Sprintf("Failed to set jog parameters on motor %s", a.name), err)
	}
	a.mu.Lock()
	a.jogStep = step
	a.mu.Unlock()
	a.log.Info("Jog parameters set", fmt.Sprintf("Axis %s, step size=%g mm, mode=SingleStep", a.name, step))
	return nil
}

// SetVelocity sets the move velocity (mm/s) and acceleration (mm/s²).
func (a *Axis) SetVelocity(maxVelocity, acceleration float64) error {
	if maxVelocity < 0 || acceleration < 0 || math.IsNaN(maxVelocity) || math.IsNaN(acceleration) {
		return fmt.Errorf("%w: velocity and acceleration must be >= 0", ErrInvalidParameter)
	}
	if !a.isConnected() {
		return a.log.Fail(fmt.Sprintf("Cannot set velocity on motor %s", a.name), a.notConnected())
	}
	if err := a.dev.SetVelocity(maxVelocity, acceleration); err != nil {
		return a.log.Fail("Failed to set velocity parameters", err)
	}
	a.log.Info("Velocity parameters set",
		fmt.Sprintf("Axis %s, max velocity=%g mm/s, acceleration=%g mm/s^2", a.name, maxVelocity, acceleration))
	return nil
}

// MoveAbsolute moves to position (mm) and waits for completion. timeout <= 0
// uses the configured move timeout.
func (a *Axis) MoveAbsolute(ctx context.Context, position float64, timeout time.Duration) error {
	if math.IsNaN(position) || math.IsInf(position, 0) {
		return a.log.Fail("Invalid target position",
			fmt.Errorf("%w: position %g", ErrInvalidParameter, position))
	}
	a.log.Info(fmt.Sprintf("Moving motor %s to position", a.name), fmt.Sprintf("%g mm", position))
	return a.run(ctx, "move", timeout, func() error { return a.dev.MoveTo(position) })
}

// Jog moves one jog step in dir and waits for completion.
func (a *Axis) Jog(ctx context.Context, dir kinesis.Direction) error {
	a.log.Info(fmt.Sprintf("Jogging motor %s %s", a.name, dir), "")
	return a.run(ctx, "jog", 0, func() error { return a.dev.MoveJog(dir) })
}

// run arbitrates with the busy policy, issues the command and waits for the
// device to report the end of motion.
func (a *Axis) run(ctx context.Context, kind string, timeout time.Duration, issue func() error) error {
	if !a.isConnected() {
		return a.log.Fail(fmt.Sprintf("Motor %s %s failed", a.name, kind), a.notConnected())
	}
	if timeout <= 0 {
		timeout = a.opts.MoveTimeout
	}

	if err := a.acquire(ctx); err != nil {
		return a.log.Fail(fmt.Sprintf("Motor %s %s refused", a.name, kind), err)
	}
	defer func() { <-a.sem }()

	cmdCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return a.log.Fail(fmt.Sprintf("Motor %s %s failed", a.name, kind), a.notConnected())
	}
	a.cancelCur = func() { cancel(ErrSuperseded) }
	a.moving = true
	mark := a.updates
	a.mu.Unlock()

	start := time.Now()
	if err := issue(); err != nil {
		a.mu.Lock()
		a.moving = false
		a.cancelCur = nil
		a.mu.Unlock()
		metrics.RecordMove(a.name, kind, 0, err)
		return a.log.Fail(fmt.Sprintf("Motor %s %s failed", a.name, kind), err)
	}

	err := a.waitStopped(cmdCtx, mark, timeout)
	a.mu.Lock()
	a.cancelCur = nil
	a.mu.Unlock()
	metrics.RecordMove(a.name, kind, time.Since(start).Seconds(), err)

	switch {
	case err == nil:
		a.log.Info(fmt.Sprintf("Motor %s %s complete", a.name, kind), fmt.Sprintf("position=%g mm", a.Position()))
		return nil
	case errors.Is(err, ErrMoveTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		_ = a.dev.Stop()
	case errors.Is(err, ErrSuperseded):
		a.log.Warn(fmt.Sprintf("Motor %s %s superseded", a.name, kind), "")
		return err
	}
	return a.log.Fail(fmt.Sprintf("Motor %s %s failed", a.name, kind), err)
}

// acquire takes the command slot according to the busy policy.
func (a *Axis) acquire(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	default:
	}

	switch a.opts.Policy {
	case Reject:
		return fmt.Errorf("%w: axis %s is moving", ErrAxisBusy, a.name)
	case Replace:
		a.mu.Lock()
		if a.cancelCur != nil {
			a.cancelCur()
		}
		a.mu.Unlock()
	}
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitStopped blocks until a status update issued after the command reports
// no motion. The first update after the command may predate it, so it only
// counts when a second one confirms it or motion was seen in between.
func (a *Axis) waitStopped(ctx context.Context, mark uint64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sawMoving := false
	for {
		a.mu.Lock()
		if !a.connected {
			a.mu.Unlock()
			return ErrNotConnected
		}
		seen := a.updates - mark
		if seen > 0 && a.moving {
			sawMoving = true
		}
		if seen > 0 && !a.moving && (sawMoving || seen >= 2) {
			a.mu.Unlock()
			return nil
		}
		ch := a.changed
		a.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return fmt.Errorf("%w: axis %s after %v", ErrMoveTimeout, a.name, timeout)
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrSuperseded) {
				return ErrSuperseded
			}
			return ctx.Err()
		}
	}
}

// Position returns the last reported position. It has no side effect.
func (a *Axis) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// JogStep returns the current jog step.
func (a *Axis) JogStep() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jogStep
}

// Moving reports whether a command is in flight.
func (a *Axis) Moving() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moving
}

func (a *Axis) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// State returns a snapshot for display.
func (a *Axis) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Name:       a.name,
		Serial:     a.handle.Serial,
		Class:      a.handle.Class.String(),
		Position:   a.position,
		JogStep:    a.jogStep,
		Moving:     a.moving,
		Homed:      a.homed,
		Connection: a.handle.State().String(),
	}
}

// Disconnect stops status polling, closes the device and releases the
// handle. Waiting commands return ErrNotConnected. Further calls are no-ops.
func (a *Axis) Disconnect() error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return nil
	}
	a.released = true
	wasConnected := a.connected
	a.connected = false
	a.moving = false
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()

	a.dev.StopPolling()
	err := a.dev.Disconnect()
	if cerr := a.handle.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return a.log.Fail(fmt.Sprintf("Error disconnecting motor %s", a.name), err)
	}
	if wasConnected {
		a.log.Info(fmt.Sprintf("Motor %s disconnected", a.handle.Serial), "")
	}
	return nil
}
