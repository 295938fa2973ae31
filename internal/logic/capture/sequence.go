// Package capture runs scan sequences: one axis swept in fixed steps with an
// image captured at every stop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/camera"
	"github.com/cjeanneret/stagescan/internal/hw/kinesis"
	"github.com/cjeanneret/stagescan/internal/logic/geometry"
	"github.com/cjeanneret/stagescan/internal/metrics"
)

// ErrScanRunning is returned by Run while another scan is in progress.
var ErrScanRunning = errors.New("a scan is already running")

// State of the sequencer.
type State int

const (
	Idle State = iota
	Positioning
	Capturing
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Positioning:
		return "positioning"
	case Capturing:
		return "capturing"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Axis is the axis swept by a scan.
type Axis interface {
	Name() string
	SetJogParameters(step float64) error
	MoveAbsolute(ctx context.Context, position float64, timeout time.Duration) error
	Jog(ctx context.Context, dir kinesis.Direction) error
	Position() float64
}

// Camera captures one frame.
type Camera interface {
	CaptureFrame(ctx context.Context) (*image.RGBA, error)
}

// Store persists one capture and returns where it went.
type Store interface {
	Save(index int, img image.Image) (string, error)
}

// CaptureRecord describes one scan stop.
type CaptureRecord struct {
	Index      int       `json:"index"`
	Position   float64   `json:"position"`
	Filename   string    `json:"filename,omitempty"`
	Incomplete bool      `json:"incomplete,omitempty"`
	Time       time.Time `json:"time"`
}

// Result is the outcome of one scan.
type Result struct {
	ID      uuid.UUID         `json:"id"`
	Plan    geometry.ScanPlan `json:"plan"`
	Records []CaptureRecord   `json:"records"`
	State   State             `json:"-"`
	Err     error             `json:"-"`
}

// Sequence drives one axis and the camera through scan plans.
type Sequence struct {
	axis   Axis
	camera Camera
	store  Store
	log    *debug.Logger

	mu         sync.Mutex
	running    bool
	state      State
	progress   int
	onProgress func(int)
}

// NewSequence creates a sequencer over axis, saving captures through store.
func NewSequence(axis Axis, cam Camera, store Store) *Sequence {
	return &Sequence{
		axis:   axis,
		camera: cam,
		store:  store,
		log:    debug.For("ScanMode"),
	}
}

// OnProgress registers fn to receive every progress change (0-100).
func (s *Sequence) OnProgress(fn func(int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgress = fn
}

// State returns the current sequencer state.
func (s *Sequence) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the current progress percentage.
func (s *Sequence) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Running reports whether a scan is in progress.
func (s *Sequence) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sequence) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sequence) setProgress(p int) {
	s.mu.Lock()
	s.progress = p
	fn := s.onProgress
	s.mu.Unlock()
	metrics.SetScanProgress(p)
	if fn != nil {
		fn(p)
	}
}

// Scan validates start, target and step and runs the resulting plan.
func (s *Sequence) Scan(ctx context.Context, start, target, step float64) Result {
	plan, err := geometry.NewScanPlan(start, target, step)
	if err != nil {
		s.log.Error("Invalid scan parameters", err.Error())
		return Result{State: s.State(), Err: err}
	}
	return s.Run(ctx, plan)
}

// Run moves the axis to plan.Start, then captures at every step, jogging one
// step towards plan.Target between captures. A failure aborts the remaining
// steps and leaves the axis where it is.
func (s *Sequence) Run(ctx context.Context, plan geometry.ScanPlan) Result {
	res := Result{ID: uuid.New(), Plan: plan}
	if err := plan.Validate(); err != nil {
		res.Err = err
		res.State = s.State()
		s.log.Error("Invalid scan parameters", res.Err.Error())
		return res
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		res.Err = ErrScanRunning
		res.State = s.State()
		return res
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.Info("Scan started", fmt.Sprintf("id=%s axis=%s %s", res.ID, s.axis.Name(), plan))
	debug.Summary("Scan")
	debug.Value("Start", plan.Start)
	debug.Value("Target", plan.Target)
	debug.Value("Step", plan.Step)
	debug.Value("Captures", plan.Captures())

	res.Records = make([]CaptureRecord, 0, plan.Captures())
	err := s.run(ctx, plan, &res)
	metrics.RecordScan(err)
	if err != nil {
		s.setState(Error)
		res.State = Error
		res.Err = err
		s.log.Error("Scan aborted", fmt.Sprintf("id=%s after %d captures: %v", res.ID, len(res.Records), err))
		return res
	}

	s.setProgress(0)
	s.setState(Idle)
	res.State = Idle
	s.log.Info("Scan complete", fmt.Sprintf("id=%s %d captures", res.ID, len(res.Records)))
	return res
}

func (s *Sequence) run(ctx context.Context, plan geometry.ScanPlan, res *Result) error {
	s.setProgress(0)
	s.setState(Positioning)

	if err := s.axis.SetJogParameters(plan.Step); err != nil {
		return fmt.Errorf("set jog step: %w", err)
	}
	debug.Live("Moving %s to start position %g", s.axis.Name(), plan.Start)
	if err := s.axis.MoveAbsolute(ctx, plan.Start, 0); err != nil {
		return fmt.Errorf("move to start: %w", err)
	}

	dir := kinesis.DirectionOf(plan.Direction)
	for i := 0; i <= plan.StepCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			s.setState(Positioning)
			if err := s.axis.Jog(ctx, dir); err != nil {
				return fmt.Errorf("step %d: jog: %w", i, err)
			}
		}

		s.setState(Capturing)
		rec, err := s.capture(ctx, i)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		res.Records = append(res.Records, rec)
		debug.Step(i+1, fmt.Sprintf("captured at %g", rec.Position))
		s.setProgress(plan.Progress(i))
	}
	return nil
}

// capture takes one frame at the current position. An incomplete frame is
// recorded without a file and does not abort the scan.
func (s *Sequence) capture(ctx context.Context, i int) (CaptureRecord, error) {
	rec := CaptureRecord{Index: i, Position: s.axis.Position(), Time: time.Now()}
	img, err := s.camera.CaptureFrame(ctx)
	if errors.Is(err, camera.ErrFrameIncomplete) {
		rec.Incomplete = true
		s.log.Warn("Image incomplete", fmt.Sprintf("step %d at %g", i, rec.Position))
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("capture: %w", err)
	}
	path, err := s.store.Save(i+1, img)
	if err != nil {
		return rec, fmt.Errorf("save: %w", err)
	}
	rec.Filename = path
	s.log.Info("Image saved", path)
	return rec, nil
}
