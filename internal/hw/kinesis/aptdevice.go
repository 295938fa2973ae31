package kinesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/logic/geometry"
)

// APTDevice is a KCube controller driven over its serial port with the APT
// protocol.
type APTDevice struct {
	serial string
	class  Class
	caps   Capabilities
	open   func() (Port, error)

	wmu  sync.Mutex // serializes frames on the wire
	port Port

	mu       sync.Mutex
	profile  Profile
	enc      *geometry.Encoder
	status   Status
	pending  bool // a move was issued and its completion message not yet seen
	onStatus func(Status)
	info     chan hwInfo
	homed    chan struct{}
	closed   bool
	readDone chan struct{}
	pollStop chan struct{}
	pollDone chan struct{}
}

// NewAPTDevice creates a driver for the controller with the given serial
// number. open is called by Connect to obtain the port.
func NewAPTDevice(serial string, class Class, open func() (Port, error)) *APTDevice {
	caps := class.Capabilities()
	profile, _ := LookupProfile(caps.DefaultProfile)
	return &APTDevice{
		serial:  serial,
		class:   class,
		caps:    caps,
		open:    open,
		profile: profile,
		enc:     geometry.NewEncoder(profile.CountsPerMm, caps.SamplePeriod),
		info:    make(chan hwInfo, 1),
	}
}

// Connect opens the port and starts the frame reader.
func (d *APTDevice) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if d.port != nil {
		return nil
	}

	port, err := d.open()
	if err != nil {
		return err
	}
	d.port = port

	d.mu.Lock()
	d.closed = false
	d.readDone = make(chan struct{})
	done := d.readDone
	d.mu.Unlock()

	go d.readLoop(port, done)
	debug.Verbose("KCube %s (%s) port open", d.serial, d.caps.Model)
	return nil
}

// WaitSettingsInitialized asks the controller for its hardware info and
// waits for the answer.
func (d *APTDevice) WaitSettingsInitialized(ctx context.Context, timeout time.Duration) error {
	if err := d.send(shortFrame(msgHWReqInfo, 0, 0)); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info := <-d.info:
		debug.Verbose("KCube %s reports model %q serial %d", d.serial, info.Model, info.Serial)
		if info.Serial != 0 && fmt.Sprint(info.Serial) != d.serial {
			return fmt.Errorf("port answers as serial %d, expected %s", info.Serial, d.serial)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrInitTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartPolling enables controller status messages and requests a status
// update every interval.
func (d *APTDevice) StartPolling(interval time.Duration, fn func(Status)) error {
	if interval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidParameter)
	}
	d.mu.Lock()
	if d.pollStop != nil {
		d.onStatus = fn
		d.mu.Unlock()
		return nil
	}
	d.onStatus = fn
	stop := make(chan struct{})
	done := make(chan struct{})
	d.pollStop, d.pollDone = stop, done
	d.mu.Unlock()

	if err := d.send(shortFrame(msgHWStartUpdateMsgs, 0, 0)); err != nil {
		d.StopPolling()
		return err
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := d.send(shortFrame(d.caps.StatusRequest, channel1, 0)); err != nil {
					debug.Trace("KCube %s status request: %v", d.serial, err)
					continue
				}
				if d.caps.KeepAlive {
					_ = d.send(shortFrame(msgAckDCStatusUpdate, 0, 0))
				}
			}
		}
	}()
	return nil
}

// StopPolling stops status requests. Safe to call when not polling.
func (d *APTDevice) StopPolling() {
	d.mu.Lock()
	stop, done := d.pollStop, d.pollDone
	d.pollStop, d.pollDone = nil, nil
	d.onStatus = nil
	d.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	_ = d.send(shortFrame(msgHWStopUpdateMsgs, 0, 0))
}

// Enable energizes the motor channel.
func (d *APTDevice) Enable() error {
	return d.send(shortFrame(msgModSetChanEnable, channel1, 0x01))
}

// LoadProfile selects the stage profile. Controllers that load their stage
// settings from file get the profile velocities pushed; brushless
// controllers keep the settings stored in the device.
func (d *APTDevice) LoadProfile(name string) error {
	p, err := LookupProfile(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.profile = p
	d.enc = geometry.NewEncoder(p.CountsPerMm, d.caps.SamplePeriod)
	d.mu.Unlock()

	if d.caps.SettingsFromDevice {
		return nil
	}
	return d.SetVelocity(p.MaxVelocity, p.Acceleration)
}

// Home starts homing and waits for MOT_MOVE_HOMED.
func (d *APTDevice) Home(ctx context.Context) error {
	homed := make(chan struct{})
	d.mu.Lock()
	d.homed = homed
	d.pending = true
	d.status.Moving = true
	d.mu.Unlock()

	if err := d.send(shortFrame(msgMotMoveHome, channel1, 0)); err != nil {
		d.clearPending()
		return err
	}

	select {
	case <-homed:
		return nil
	case <-ctx.Done():
		_ = d.Stop()
		return fmt.Errorf("homing: %w", ctx.Err())
	}
}

// MoveTo starts an absolute move.
func (d *APTDevice) MoveTo(position float64) error {
	if math.IsNaN(position) || math.IsInf(position, 0) {
		return fmt.Errorf("%w: position %g", ErrInvalidParameter, position)
	}
	d.mu.Lock()
	if err := d.profile.Check(position); err != nil {
		d.mu.Unlock()
		return err
	}
	counts := d.enc.CountsFromPosition(position)
	d.mu.Unlock()

	d.markPending()
	if err := d.send(dataFrame(msgMotMoveAbsolute, moveAbsoluteData(counts))); err != nil {
		d.clearPending()
		return err
	}
	return nil
}

// MoveJog starts one single-step jog.
func (d *APTDevice) MoveJog(dir Direction) error {
	param := byte(0x01)
	if dir == Backward {
		param = 0x02
	}
	d.markPending()
	if err := d.send(shortFrame(msgMotMoveJog, channel1, param)); err != nil {
		d.clearPending()
		return err
	}
	return nil
}

// SetJogStep sets the single-step jog distance (mm).
func (d *APTDevice) SetJogStep(step float64) error {
	if !(step > 0) || math.IsInf(step, 0) {
		return fmt.Errorf("%w: jog step must be > 0, got %g", ErrInvalidParameter, step)
	}
	d.mu.Lock()
	enc, p := d.enc, d.profile
	d.mu.Unlock()

	data := jogParamsData(
		enc.CountsFromPosition(step),
		0,
		enc.AccelerationCounts(p.JogAccel),
		enc.VelocityCounts(p.JogVelocity),
	)
	return d.send(dataFrame(msgMotSetJogParams, data))
}

// SetVelocity sets the move velocity profile. Zero keeps the profile value.
func (d *APTDevice) SetVelocity(maxVelocity, acceleration float64) error {
	if maxVelocity < 0 || acceleration < 0 {
		return fmt.Errorf("%w: velocity and acceleration must be >= 0", ErrInvalidParameter)
	}
	d.mu.Lock()
	enc, p := d.enc, d.profile
	d.mu.Unlock()

	if maxVelocity == 0 {
		maxVelocity = p.MaxVelocity
	}
	if acceleration == 0 {
		acceleration = p.Acceleration
	}
	data := velParamsData(0, enc.AccelerationCounts(acceleration), enc.VelocityCounts(maxVelocity))
	return d.send(dataFrame(msgMotSetVelParams, data))
}

// Stop halts motion with a profiled deceleration.
func (d *APTDevice) Stop() error {
	return d.send(shortFrame(msgMotMoveStop, channel1, 0x02))
}

// Disconnect stops polling, tells the controller the host is leaving and
// closes the port. Further calls are no-ops.
func (d *APTDevice) Disconnect() error {
	d.StopPolling()

	d.wmu.Lock()
	port := d.port
	if port == nil {
		d.wmu.Unlock()
		return nil
	}
	b := shortFrame(msgHWDisconnect, 0, 0).encode()
	debug.Frame("tx", b)
	_, _ = port.Write(b)
	d.port = nil
	d.wmu.Unlock()

	d.mu.Lock()
	d.closed = true
	done := d.readDone
	d.mu.Unlock()

	err := port.Close()
	if done != nil {
		<-done
	}
	debug.Verbose("KCube %s port closed", d.serial)
	return err
}

func (d *APTDevice) send(f frame) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if d.port == nil {
		return ErrNotConnected
	}
	b := f.encode()
	debug.Frame("tx", b)
	if _, err := d.port.Write(b); err != nil {
		return fmt.Errorf("write 0x%04x: %w", f.ID, err)
	}
	return nil
}

func (d *APTDevice) markPending() {
	d.mu.Lock()
	d.pending = true
	d.status.Moving = true
	d.mu.Unlock()
}

func (d *APTDevice) clearPending() {
	d.mu.Lock()
	d.pending = false
	d.status.Moving = false
	d.mu.Unlock()
}

func (d *APTDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// portReader turns the empty reads of a timed-out serial port into retries
// until the device is closed.
type portReader struct {
	d *APTDevice
	p Port
}

func (r portReader) Read(b []byte) (int, error) {
	for {
		n, err := r.p.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		if r.d.isClosed() {
			return 0, io.EOF
		}
	}
}

func (d *APTDevice) readLoop(port Port, done chan struct{}) {
	defer close(done)
	r := portReader{d: d, p: port}
	for {
		f, err := readFrame(r)
		if err != nil {
			if !d.isClosed() && !errors.Is(err, io.EOF) {
				debug.Error(fmt.Errorf("KCube %s read: %w", d.serial, err))
			}
			return
		}
		debug.Frame("rx", f.encode())
		d.dispatch(f)
	}
}

func (d *APTDevice) dispatch(f frame) {
	switch f.ID {
	case msgHWGetInfo:
		info, err := parseHWInfo(f.Data)
		if err != nil {
			debug.Trace("KCube %s: %v", d.serial, err)
			return
		}
		select {
		case d.info <- info:
		default:
		}

	case d.caps.StatusUpdate:
		d.applyStatus(f.Data, false)

	case msgMotMoveCompleted, msgMotMoveStopped:
		d.applyStatus(f.Data, true)

	case msgMotMoveHomed:
		d.mu.Lock()
		d.pending = false
		d.status.Moving = false
		d.status.Homed = true
		if d.homed != nil {
			close(d.homed)
			d.homed = nil
		}
		d.mu.Unlock()
		d.notify()
	}
}

// applyStatus folds a status block into the cached status. completed marks
// the end of the pending move.
func (d *APTDevice) applyStatus(data []byte, completed bool) {
	d.mu.Lock()
	if completed {
		d.pending = false
	}
	if counts, bits, err := statusFields(data); err == nil {
		d.status.Position = d.enc.PositionFromCounts(counts)
		d.status.Homed = bits&statusHomed != 0
		d.status.Moving = d.pending || bits&statusMotionMask != 0
	} else if completed {
		d.status.Moving = false
	}
	d.mu.Unlock()
	d.notify()
}

func (d *APTDevice) notify() {
	d.mu.Lock()
	fn, st := d.onStatus, d.status
	d.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
