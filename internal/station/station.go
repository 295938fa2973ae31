// Package station composes the motorized axes, the camera and the scan
// sequencer into the user actions of the instrument. Every action logs and
// returns its own failure; the station keeps running.
package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/stagescan/internal/config"
	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/camera"
	"github.com/cjeanneret/stagescan/internal/hw/gpio"
	"github.com/cjeanneret/stagescan/internal/hw/kinesis"
	"github.com/cjeanneret/stagescan/internal/logic/capture"
	"github.com/cjeanneret/stagescan/internal/logic/geometry"
	"github.com/cjeanneret/stagescan/internal/logic/motion"
)

var (
	ErrNotStarted  = errors.New("hardware not started")
	ErrScanRunning = capture.ErrScanRunning
)

// refreshInterval is the period of snapshot updates sent to OnUpdate.
const refreshInterval = 250 * time.Millisecond

// Station owns the hardware of one instrument.
type Station struct {
	cfg      *config.Config
	classes  kinesis.Classes
	manager  *kinesis.Manager
	camera   *camera.Session
	preview  *camera.Preview
	writer   *camera.Writer
	settings *config.SettingsStore
	policy   motion.BusyPolicy
	log      *debug.Logger

	mu          sync.Mutex
	running     bool
	ctrl        *motion.Controller
	seq         *capture.Sequence
	camSettings config.CameraSettings
	cancelBg    context.CancelFunc
	bg          sync.WaitGroup
	scanning    bool
	scanCancel  context.CancelFunc
	scanDone    chan struct{}
	lastScan    *capture.Result
	progress    int
	onUpdate    func(Snapshot)
}

// New builds a station from cfg. g drives the optional camera trigger line.
// Nothing is opened until Start.
func New(cfg *config.Config, g gpio.Driver) (*Station, error) {
	classes := make(kinesis.Classes, len(cfg.Devices))
	for serial, d := range cfg.Devices {
		class, err := kinesis.ParseClass(d.Class)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", serial, err)
		}
		classes[serial] = kinesis.ClassEntry{Class: class, Profile: d.Profile}
	}
	ports := make(map[string]string, len(cfg.Axes))
	for _, a := range cfg.Axes {
		ports[a.Serial] = a.Port
	}
	policy, err := motion.ParseBusyPolicy(cfg.Motion.BusyPolicy)
	if err != nil {
		return nil, err
	}

	sys, err := newCameraSystem(cfg.Camera)
	if err != nil {
		return nil, err
	}
	var trigger camera.Trigger
	if cfg.Camera.Trigger.Pin > 0 {
		if g == nil {
			return nil, fmt.Errorf("camera trigger on pin %d needs a GPIO driver", cfg.Camera.Trigger.Pin)
		}
		trigger = camera.NewGPIOTrigger(g, cfg.Camera.Trigger.Pin, cfg.TriggerPulse())
	}
	session := camera.NewSession(sys, cfg.FrameTimeout(), trigger)

	manager := kinesis.NewManager(kinesis.ManagerConfig{
		Classes: classes,
		Ports:   ports,
		Mock:    cfg.Defaults.MockDevices,
		Sim:     kinesis.SimOptions{Velocity: cfg.Motion.SimVelocity},
	})

	s := &Station{
		cfg:      cfg,
		classes:  classes,
		manager:  manager,
		camera:   session,
		preview:  camera.NewPreview(session, cfg.PreviewInterval()),
		writer:   camera.NewWriter(cfg.Camera.OutputDir, cfg.Camera.Label),
		settings: config.NewSettingsStore(cfg.SettingsFile),
		policy:   policy,
		log:      debug.For("Station"),
	}

	settings, err := s.settings.Load()
	if err != nil {
		s.log.Warn("Could not read camera settings, using defaults", err.Error())
	}
	s.camSettings = settings
	return s, nil
}

func newCameraSystem(cfg config.CameraConfig) (*camera.System, error) {
	switch cfg.Backend {
	case "sim":
		return camera.NewSystem(func() (camera.Backend, error) {
			return camera.NewSimBackend(camera.SimOptions{Width: cfg.Width, Height: cfg.Height}), nil
		}), nil
	default:
		return nil, fmt.Errorf("unsupported camera backend: %s", cfg.Backend)
	}
}

// OnUpdate registers fn to receive a snapshot at every refresh and on
// scan progress. fn must not block.
func (s *Station) OnUpdate(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Running reports whether the hardware is started.
func (s *Station) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start connects the camera and every axis, applies the stored camera
// settings, and starts the live view and the snapshot refresh. Devices that
// fail to connect are logged and the others stay usable; the joined errors
// are returned.
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	settings := s.camSettings
	s.mu.Unlock()

	debug.Section("Starting hardware")
	var errs []error

	debug.Step(1, "Connecting camera")
	if err := s.camera.Connect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("camera: %w", err))
	} else if applied, err := s.camera.ApplySettings(camera.Settings{ExposureTime: settings.ExposureTime, Gain: settings.Gain}); err != nil {
		errs = append(errs, fmt.Errorf("camera settings: %w", err))
	} else {
		s.mu.Lock()
		s.camSettings = config.CameraSettings{ExposureTime: applied.ExposureTime, Gain: applied.Gain}
		s.mu.Unlock()
	}

	debug.Step(2, "Connecting motors")
	var axes []*motion.Axis
	for _, ac := range s.cfg.Axes {
		h, err := s.manager.Open(ac.Serial)
		if err != nil {
			errs = append(errs, s.log.Fail(fmt.Sprintf("Motor %s not found", ac.Serial), fmt.Errorf("axis %s: %w", ac.Name, err)))
			continue
		}
		axes = append(axes, motion.NewAxis(ac.Name, h, motion.Options{
			PollInterval: s.cfg.PollInterval(),
			InitTimeout:  s.cfg.InitTimeout(),
			MoveTimeout:  s.cfg.MoveTimeout(),
			HomeTimeout:  s.cfg.HomeTimeout(),
			Policy:       s.policy,
			SkipHome:     s.cfg.Motion.SkipHome,
			JogStep:      ac.JogStepMm,
			MaxVelocity:  s.cfg.Motion.MaxVelocity,
			Acceleration: s.cfg.Motion.Acceleration,
		}))
	}
	ctrl := motion.NewController(axes...)
	if err := ctrl.ConnectAll(ctx); err != nil {
		errs = append(errs, err)
	}

	var seq *capture.Sequence
	if scanAxis, err := ctrl.Axis(s.cfg.Scan.Axis); err == nil {
		seq = capture.NewSequence(scanAxis, s.camera, s.writer)
		seq.OnProgress(s.setProgress)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ctrl = ctrl
	s.seq = seq
	s.cancelBg = cancel
	s.mu.Unlock()

	debug.Step(3, "Starting live view")
	s.bg.Add(2)
	go func() {
		defer s.bg.Done()
		s.preview.Run(bgCtx)
	}()
	go func() {
		defer s.bg.Done()
		s.refresh(bgCtx)
	}()

	err := errors.Join(errs...)
	if err != nil {
		s.log.Error("Hardware started with errors", err.Error())
	} else {
		s.log.Info("Hardware started", fmt.Sprintf("%d axes, camera %s", len(axes), s.camera.State()))
	}
	return err
}

func (s *Station) refresh(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notify()
		}
	}
}

func (s *Station) notify() {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(s.Snapshot())
	}
}

func (s *Station) setProgress(p int) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
	s.notify()
}

// Stop cancels a running scan, stops the live view and disconnects every
// device. Further calls are no-ops.
func (s *Station) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancelScan, scanDone := s.scanCancel, s.scanDone
	cancelBg := s.cancelBg
	ctrl := s.ctrl
	s.ctrl, s.seq, s.cancelBg = nil, nil, nil
	s.mu.Unlock()

	if cancelScan != nil {
		cancelScan()
		<-scanDone
	}
	if cancelBg != nil {
		cancelBg()
	}
	s.bg.Wait()

	var errs []error
	if ctrl != nil {
		if err := ctrl.DisconnectAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.camera.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("camera: %w", err))
	}
	s.log.Info("Hardware stopped", "")
	return errors.Join(errs...)
}

func (s *Station) axis(name string) (*motion.Axis, error) {
	s.mu.Lock()
	ctrl, scanning := s.ctrl, s.scanning
	s.mu.Unlock()
	if ctrl == nil {
		return nil, ErrNotStarted
	}
	a, err := ctrl.Axis(name)
	if err != nil {
		return nil, err
	}
	if scanning && a.Name() == s.cfg.Scan.Axis {
		return nil, fmt.Errorf("%w: axis %s is scanning", ErrScanRunning, a.Name())
	}
	return a, nil
}

// Move moves the named axis to position (mm).
func (s *Station) Move(ctx context.Context, name string, position float64) error {
	a, err := s.axis(name)
	if err != nil {
		return s.log.Fail("Move refused", err)
	}
	return a.MoveAbsolute(ctx, position, 0)
}

// Jog moves the named axis one jog step in dir.
func (s *Station) Jog(ctx context.Context, name string, dir kinesis.Direction) error {
	a, err := s.axis(name)
	if err != nil {
		return s.log.Fail("Jog refused", err)
	}
	return a.Jog(ctx, dir)
}

// SetStepSize sets the jog step of the named axes, or of all of them.
func (s *Station) SetStepSize(size float64, names ...string) error {
	s.mu.Lock()
	ctrl, scanning := s.ctrl, s.scanning
	s.mu.Unlock()
	if ctrl == nil {
		return s.log.Fail("Step size refused", ErrNotStarted)
	}
	if scanning {
		return s.log.Fail("Step size refused", ErrScanRunning)
	}
	if err := ctrl.SetJogAll(size, names...); err != nil {
		return err
	}
	s.log.Info("Step size set", fmt.Sprintf("%g mm", size))
	return nil
}

// StartScan validates the sweep and runs it in the background. Only one
// scan runs at a time. The live view is paused while it runs.
func (s *Station) StartScan(start, target, step float64) (geometry.ScanPlan, error) {
	plan, err := geometry.NewScanPlan(start, target, step)
	if err != nil {
		return plan, s.log.Fail("Invalid scan parameters", err)
	}

	s.mu.Lock()
	if s.ctrl == nil {
		s.mu.Unlock()
		return plan, s.log.Fail("Scan refused", ErrNotStarted)
	}
	if s.seq == nil {
		s.mu.Unlock()
		return plan, s.log.Fail("Scan refused", fmt.Errorf("scan axis %s is not available", s.cfg.Scan.Axis))
	}
	if s.scanning {
		s.mu.Unlock()
		return plan, s.log.Fail("Scan refused", ErrScanRunning)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	seq := s.seq
	s.scanning = true
	s.scanCancel = cancel
	s.scanDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.preview.Pause()
		res := seq.Run(ctx, plan)
		s.preview.Resume()

		s.mu.Lock()
		s.scanning = false
		s.scanCancel = nil
		s.lastScan = &res
		s.mu.Unlock()
		s.notify()
	}()
	return plan, nil
}

// Scan runs a sweep and waits for it to finish.
func (s *Station) Scan(ctx context.Context, start, target, step float64) (capture.Result, error) {
	if _, err := s.StartScan(start, target, step); err != nil {
		return capture.Result{}, err
	}
	res, err := s.WaitScan(ctx)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// WaitScan blocks until the current scan, if any, has finished and returns
// the last scan result.
func (s *Station) WaitScan(ctx context.Context) (capture.Result, error) {
	s.mu.Lock()
	done := s.scanDone
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return capture.Result{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastScan == nil {
		return capture.Result{}, errors.New("no scan has run")
	}
	return *s.lastScan, nil
}

// CancelScan aborts the running scan. The axis stays where it is.
func (s *Station) CancelScan() {
	s.mu.Lock()
	cancel := s.scanCancel
	s.mu.Unlock()
	if cancel != nil {
		s.log.Warn("Scan cancelled", "")
		cancel()
	}
}

// CameraSettings returns the current camera settings.
func (s *Station) CameraSettings() config.CameraSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camSettings
}

// ApplySettings applies exposure and gain to the connected camera and
// rewrites the settings file with the values actually applied. Without a
// camera the settings are stored for the next start.
func (s *Station) ApplySettings(in config.CameraSettings) (config.CameraSettings, error) {
	if err := in.Validate(); err != nil {
		return s.CameraSettings(), s.log.Fail("Invalid camera settings", fmt.Errorf("%w: %w", motion.ErrInvalidParameter, err))
	}
	out := in
	if s.camera.State() == camera.Ready {
		applied, err := s.camera.ApplySettings(camera.Settings{ExposureTime: in.ExposureTime, Gain: in.Gain})
		if err != nil {
			return s.CameraSettings(), err
		}
		out = config.CameraSettings{ExposureTime: applied.ExposureTime, Gain: applied.Gain}
	}
	if err := s.settings.Save(out); err != nil {
		return out, s.log.Fail("Could not save camera settings", err)
	}

	s.mu.Lock()
	s.camSettings = out
	s.mu.Unlock()
	s.log.Info("Camera settings applied", fmt.Sprintf("exposure_time=%g us, gain=%g dB", out.ExposureTime, out.Gain))
	return out, nil
}

// Preview returns the latest live view frame as PNG.
func (s *Station) Preview() ([]byte, time.Time, bool) {
	return s.preview.Latest()
}
