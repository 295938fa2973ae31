package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/stagescan/internal/hw/gpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls    []gpioCall
	failHigh bool
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	if d.failHigh && level == gpio.High {
		return errors.New("write failed")
	}
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func newSimSession(t *testing.T, opts SimOptions) (*Session, *SimBackend, *System) {
	t.Helper()
	backend := NewSimBackend(opts)
	sys := NewSystem(func() (Backend, error) { return backend, nil })
	s := NewSession(sys, 50*time.Millisecond, nil)
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, backend, sys
}

// ---------- Trigger ----------

func TestGPIOTrigger_PinInitializedLow(t *testing.T) {
	drv := &recordingDriver{}
	NewGPIOTrigger(drv, 18, time.Millisecond)

	writes := drv.writeCalls()
	if len(writes) != 1 || writes[0].pin != 18 || writes[0].level != gpio.Low {
		t.Errorf("trigger pin should be initialized LOW, got %+v", writes)
	}
}

func TestGPIOTrigger_FireSequence(t *testing.T) {
	drv := &recordingDriver{}
	trig := NewGPIOTrigger(drv, 18, time.Microsecond)
	drv.calls = nil // reset after init

	if err := trig.Fire(); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	writes := drv.writeCalls()
	expected := []gpio.Level{gpio.High, gpio.Low}
	if len(writes) != len(expected) {
		t.Fatalf("got %d writes, want %d: %+v", len(writes), len(expected), writes)
	}
	for i, lvl := range expected {
		if writes[i].pin != 18 || writes[i].level != lvl {
			t.Errorf("write[%d] = pin %d level %v, want pin 18 level %v", i, writes[i].pin, writes[i].level, lvl)
		}
	}
}

func TestGPIOTrigger_FailureReleasesLine(t *testing.T) {
	drv := &recordingDriver{failHigh: true}
	trig := NewGPIOTrigger(drv, 18, time.Microsecond)
	drv.calls = nil

	if err := trig.Fire(); err == nil {
		t.Fatal("expected error")
	}
	writes := drv.writeCalls()
	last := writes[len(writes)-1]
	if last.level != gpio.Low {
		t.Error("line must be driven LOW after a failed pulse")
	}
}

// ---------- Session ----------

func TestSession_ConnectConfiguresAcquisition(t *testing.T) {
	s, backend, sys := newSimSession(t, SimOptions{Width: 32, Height: 16})

	require.NoError(t, s.Connect(context.Background()))
	cam := backend.Camera()
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, "NewestOnly", cam.Enum(NodeBufferHandling))
	assert.Equal(t, "Continuous", cam.Enum(NodeAcquisitionMode))
	assert.True(t, cam.Acquiring())
	assert.Equal(t, 1, sys.Refs())
	assert.Equal(t, "Sim Blackfly S", s.DeviceInfo()["DeviceModelName"])

	// a second connect is a no-op
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, sys.Refs())
}

func TestSession_NoDeviceFound(t *testing.T) {
	s, _, sys := newSimSession(t, SimOptions{NoCamera: true})
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoDeviceFound)
	assert.Equal(t, 0, sys.Refs(), "system released after failed connect")
	assert.Equal(t, Faulted, s.State())
}

func TestSession_DeviceBusy(t *testing.T) {
	s, _, sys := newSimSession(t, SimOptions{InUse: true})
	assert.ErrorIs(t, s.Connect(context.Background()), ErrDeviceBusy)
	assert.Equal(t, 0, sys.Refs())
}

func TestSession_SecondSessionIsBusy(t *testing.T) {
	s1, _, sys := newSimSession(t, SimOptions{})
	require.NoError(t, s1.Connect(context.Background()))

	s2 := NewSession(sys, 0, nil)
	assert.ErrorIs(t, s2.Connect(context.Background()), ErrDeviceBusy)
	assert.Equal(t, 1, sys.Refs())

	require.NoError(t, s1.Disconnect())
	require.NoError(t, s2.Connect(context.Background()), "camera free after first session disconnects")
	require.NoError(t, s2.Disconnect())
}

func TestSession_CaptureFrame(t *testing.T) {
	s, _, _ := newSimSession(t, SimOptions{Width: 32, Height: 16})
	_, err := s.CaptureFrame(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	img, err := s.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
}

func TestSession_CaptureFiresTrigger(t *testing.T) {
	backend := NewSimBackend(SimOptions{Width: 8, Height: 8})
	sys := NewSystem(func() (Backend, error) { return backend, nil })
	drv := &recordingDriver{}
	s := NewSession(sys, 0, NewGPIOTrigger(drv, 5, time.Microsecond))
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
	drv.calls = nil

	_, err := s.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.Len(t, drv.writeCalls(), 2)
}

func TestSession_FrameIncompleteIsNotFatal(t *testing.T) {
	s, _, _ := newSimSession(t, SimOptions{Width: 8, Height: 8, IncompleteEvery: 2})
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.CaptureFrame(context.Background())
	require.NoError(t, err)
	_, err = s.CaptureFrame(context.Background())
	assert.ErrorIs(t, err, ErrFrameIncomplete)
	_, err = s.CaptureFrame(context.Background())
	assert.NoError(t, err, "session still usable after an incomplete frame")
	assert.Equal(t, Ready, s.State())
}

func TestSession_SettingsClamped(t *testing.T) {
	s, backend, _ := newSimSession(t, SimOptions{})
	_, err := s.SetGain(1)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	cam := backend.Camera()

	gain, err := s.SetGain(100)
	require.NoError(t, err)
	assert.Equal(t, 47.99, gain)
	assert.Equal(t, 47.99, cam.Float(NodeGain))

	exp, err := s.SetExposureTime(1)
	require.NoError(t, err)
	assert.Equal(t, 6.0, exp)
	assert.Equal(t, "Off", cam.Enum(NodeExposureAuto))

	applied, err := s.ApplySettings(Settings{ExposureTime: 2500, Gain: 3})
	require.NoError(t, err)
	assert.Equal(t, Settings{ExposureTime: 2500, Gain: 3}, applied)
	assert.Equal(t, 2500.0, cam.Float(NodeExposureTime))
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	s, backend, sys := newSimSession(t, SimOptions{})
	require.NoError(t, s.Disconnect(), "disconnect before connect")

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.False(t, backend.Camera().Acquiring())
	assert.Equal(t, 0, sys.Refs())
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, backend.Closes(), "last release closes the system once")
}

func TestSystem_ClosedOnLastRelease(t *testing.T) {
	backend := NewSimBackend(SimOptions{})
	sys := NewSystem(func() (Backend, error) { return backend, nil })

	_, err := sys.Acquire()
	require.NoError(t, err)
	_, err = sys.Acquire()
	require.NoError(t, err)

	require.NoError(t, sys.Release())
	assert.Equal(t, 0, backend.Closes(), "still referenced")
	require.NoError(t, sys.Release())
	assert.Equal(t, 1, backend.Closes())

	// The system reopens on the next Acquire.
	_, err = sys.Acquire()
	require.NoError(t, err)
	require.NoError(t, sys.Release())
	assert.Equal(t, 2, backend.Closes())
}

// ---------- Writer ----------

func TestWriter_FileName(t *testing.T) {
	w := NewWriter(t.TempDir(), "")
	assert.Equal(t, "Image Single Scan 3.png", w.Filename(3))
	assert.Equal(t, "Run A 1.png", NewWriter("", "Run A").Filename(1))
}

func TestWriter_SavePNG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := NewWriter(dir, "Scan")
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))

	path, err := w.Save(1, img)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Scan 1.png"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

// ---------- Preview ----------

func TestPreview_GrabsAndPauses(t *testing.T) {
	s, _, _ := newSimSession(t, SimOptions{Width: 8, Height: 8})
	require.NoError(t, s.Connect(context.Background()))

	p := NewPreview(s, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return p.Frames() > 0 }, time.Second, time.Millisecond)
	data, _, ok := p.Latest()
	require.True(t, ok)
	_, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	p.Pause()
	time.Sleep(5 * time.Millisecond) // let an in-flight tick finish
	n := p.Frames()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, p.Frames(), "no frames while paused")

	p.Resume()
	assert.Eventually(t, func() bool { return p.Frames() > n }, time.Second, time.Millisecond)
}

func TestPreview_SkipsWhileSessionBusy(t *testing.T) {
	s, _, _ := newSimSession(t, SimOptions{Width: 8, Height: 8})
	require.NoError(t, s.Connect(context.Background()))
	p := NewPreview(s, time.Millisecond)

	s.mu.Lock()
	p.tick(context.Background())
	s.mu.Unlock()
	assert.Equal(t, int64(0), p.Frames())

	p.tick(context.Background())
	assert.Equal(t, int64(1), p.Frames())
}
