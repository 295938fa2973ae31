package station

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/stagescan/internal/config"
	"github.com/cjeanneret/stagescan/internal/hw/gpio"
	"github.com/cjeanneret/stagescan/internal/hw/kinesis"
	"github.com/cjeanneret/stagescan/internal/logic/geometry"
)

const stationYAML = `
axes:
  - {name: X, serial: "27263196", port: /dev/ttyUSB0}
  - {name: Y, serial: "27263127", port: /dev/ttyUSB1}
  - {name: Z, serial: "28252438", port: /dev/ttyUSB2}
devices:
  "28252438": {class: brushless, profile: DDS050}
motion:
  poll_interval_ms: 2
  sim_velocity: 500
camera:
  output_dir: %q
  width: 32
  height: 24
  preview_interval_ms: 5
scan:
  axis: Z
defaults:
  mock_devices: true
settings_file: %q
`

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "station.yaml")
	content := fmt.Sprintf(stationYAML, filepath.Join(dir, "out"), filepath.Join(dir, "settings.txt"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestStation(t *testing.T) (*Station, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(testConfig(t, dir), &gpio.MockDriver{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, dir
}

func startedStation(t *testing.T) (*Station, string) {
	t.Helper()
	s, dir := newTestStation(t)
	require.NoError(t, s.Start(context.Background()))
	return s, dir
}

func TestStation_StartStop(t *testing.T) {
	s, _ := newTestStation(t)

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	require.Len(t, snap.Axes, 3)
	assert.Equal(t, "disconnected", snap.Axes[0].Connection)
	assert.Equal(t, "brushless", snap.Axes[2].Class)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	snap = s.Snapshot()
	assert.True(t, snap.Running)
	for _, a := range snap.Axes {
		assert.Equal(t, "ready", a.Connection, "axis %s", a.Name)
		assert.True(t, a.Homed, "axis %s", a.Name)
	}
	assert.Equal(t, "ready", snap.Camera.State)
	assert.NotEmpty(t, snap.Camera.Info)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	snap = s.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, "disconnected", snap.Axes[0].Connection)
	assert.Equal(t, "disconnected", snap.Camera.State)
}

func TestStation_Restart(t *testing.T) {
	s, _ := startedStation(t)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Move(context.Background(), "X", 1))
}

func TestStation_ActionsBeforeStart(t *testing.T) {
	s, _ := newTestStation(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Move(ctx, "X", 1), ErrNotStarted)
	assert.ErrorIs(t, s.Jog(ctx, "X", kinesis.Forward), ErrNotStarted)
	assert.ErrorIs(t, s.SetStepSize(0.1), ErrNotStarted)
	_, err := s.StartScan(0, 10, 2)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStation_MoveAndJog(t *testing.T) {
	s, _ := startedStation(t)
	ctx := context.Background()

	require.NoError(t, s.Move(ctx, "x", 3))
	require.NoError(t, s.SetStepSize(0.5, "X"))
	require.NoError(t, s.Jog(ctx, "X", kinesis.Forward))

	snap := s.Snapshot()
	assert.InDelta(t, 3.5, snap.Axes[0].Position, 1e-9)
	assert.Equal(t, 0.5, snap.Axes[0].JogStep)
	assert.Equal(t, 0.05, snap.Axes[1].JogStep, "other axes keep their step")

	assert.Error(t, s.Move(ctx, "Q", 1))
	assert.Error(t, s.SetStepSize(0))
}

func TestStation_Scan(t *testing.T) {
	s, dir := startedStation(t)

	res, err := s.Scan(context.Background(), 0, 10, 2)
	require.NoError(t, err)
	require.Len(t, res.Records, 6)
	for i, rec := range res.Records {
		assert.InDelta(t, float64(2*i), rec.Position, 1e-6)
		want := filepath.Join(dir, "out", fmt.Sprintf("Image Single Scan %d.png", i+1))
		assert.Equal(t, want, rec.Filename)
		assert.FileExists(t, want)
	}

	snap := s.Snapshot()
	assert.False(t, snap.Scan.Running)
	assert.Equal(t, "idle", snap.Scan.State)
	assert.Equal(t, 0, snap.Scan.Progress)
	require.NotNil(t, snap.Scan.Last)
	assert.Equal(t, res.ID, snap.Scan.Last.ID)
	assert.InDelta(t, 10, snap.Axes[2].Position, 1e-6)
}

func TestStation_InvalidScan(t *testing.T) {
	s, _ := startedStation(t)
	_, err := s.StartScan(0, 10, 0)
	assert.ErrorIs(t, err, geometry.ErrInvalidScanPlan)
	assert.False(t, s.Snapshot().Scan.Running)
}

func TestStation_OneScanAtATime(t *testing.T) {
	s, _ := startedStation(t)
	ctx := context.Background()

	_, err := s.StartScan(0, 40, 0.1)
	require.NoError(t, err)
	_, err = s.StartScan(0, 10, 2)
	assert.ErrorIs(t, err, ErrScanRunning)

	assert.ErrorIs(t, s.Move(ctx, "Z", 1), ErrScanRunning, "the scan axis is reserved")
	assert.ErrorIs(t, s.SetStepSize(0.2), ErrScanRunning)
	assert.NoError(t, s.Move(ctx, "X", 1), "other axes stay usable")

	s.CancelScan()
	res, err := s.WaitScan(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Less(t, len(res.Records), 401)
	assert.NotEmpty(t, s.Snapshot().Scan.LastErr)
}

func TestStation_StopDuringScan(t *testing.T) {
	s, _ := startedStation(t)
	_, err := s.StartScan(0, 40, 0.1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a scan was running")
	}
	assert.False(t, s.Snapshot().Scan.Running)
}

func TestStation_ApplySettings(t *testing.T) {
	s, dir := newTestStation(t)
	path := filepath.Join(dir, "settings.txt")

	assert.Equal(t, config.DefaultCameraSettings(), s.CameraSettings())

	got, err := s.ApplySettings(config.CameraSettings{ExposureTime: 2000, Gain: 5})
	require.NoError(t, err)
	assert.Equal(t, config.CameraSettings{ExposureTime: 2000, Gain: 5}, got)

	// Stored settings are read back at the next startup.
	s2, err := New(testConfig(t, dir), &gpio.MockDriver{})
	require.NoError(t, err)
	assert.Equal(t, got, s2.CameraSettings())

	require.NoError(t, s.Start(context.Background()))
	got, err = s.ApplySettings(config.CameraSettings{ExposureTime: 3000, Gain: 100})
	require.NoError(t, err)
	assert.Less(t, got.Gain, 100.0, "gain is clamped to the camera range")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored config.CameraSettings
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, got, stored)

	_, err = s.ApplySettings(config.CameraSettings{ExposureTime: -1})
	assert.Error(t, err)
	assert.Equal(t, got, s.CameraSettings(), "rejected settings are not applied")
}

func TestStation_OnUpdate(t *testing.T) {
	s, _ := newTestStation(t)
	updates := make(chan Snapshot, 64)
	s.OnUpdate(func(snap Snapshot) {
		select {
		case updates <- snap:
		default:
		}
	})
	require.NoError(t, s.Start(context.Background()))

	select {
	case snap := <-updates:
		assert.True(t, snap.Running)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot update received")
	}
}

func TestStation_Preview(t *testing.T) {
	s, _ := startedStation(t)
	require.Eventually(t, func() bool {
		_, _, ok := s.Preview()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_UnsupportedBackend(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Camera.Backend = "spinnaker"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNew_TriggerNeedsGPIO(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Camera.Trigger.Pin = 17
	_, err := New(cfg, nil)
	assert.Error(t, err)

	s, err := New(cfg, &gpio.MockDriver{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	_, err = s.Scan(context.Background(), 0, 0, 1)
	require.NoError(t, err)
}
