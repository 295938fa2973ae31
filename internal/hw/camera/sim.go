package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
)

// SimOptions tunes the simulated camera.
type SimOptions struct {
	Width           int   // default 640
	Height          int   // default 480
	NoCamera        bool  // enumerate nothing
	InUse           bool  // report the SDK as held by another process
	IncompleteEvery int   // every Nth frame is incomplete, 0 = never
	FrameErr        error // returned by NextImage
}

// SimBackend is an in-process camera SDK with one simulated camera.
type SimBackend struct {
	opts   SimOptions
	cam    *SimCamera
	closes atomic.Int32
}

// NewSimBackend creates a simulated camera system.
func NewSimBackend(opts SimOptions) *SimBackend {
	if opts.Width <= 0 {
		opts.Width = 640
	}
	if opts.Height <= 0 {
		opts.Height = 480
	}
	return &SimBackend{opts: opts, cam: newSimCamera(opts)}
}

func (b *SimBackend) LibraryVersion() string { return "sim 1.0.0" }

func (b *SimBackend) InUse() bool { return b.opts.InUse }

// Close only counts the call; the simulated system can be reopened.
func (b *SimBackend) Close() error {
	b.closes.Add(1)
	return nil
}

// Closes returns how many times the system was closed.
func (b *SimBackend) Closes() int { return int(b.closes.Load()) }

func (b *SimBackend) Cameras() ([]Device, error) {
	if b.opts.NoCamera {
		return nil, nil
	}
	return []Device{b.cam}, nil
}

// Camera returns the simulated camera for inspection.
func (b *SimBackend) Camera() *SimCamera {
	return b.cam
}

type floatNode struct {
	value, min, max float64
}

// SimCamera renders a test pattern whose brightness follows exposure and gain.
type SimCamera struct {
	opts SimOptions

	mu        sync.Mutex
	inited    bool
	acquiring bool
	enums     map[string]string
	floats    map[string]*floatNode
	frames    int
}

func newSimCamera(opts SimOptions) *SimCamera {
	return &SimCamera{
		opts: opts,
		enums: map[string]string{
			NodeBufferHandling:  "OldestFirst",
			NodeAcquisitionMode: "SingleFrame",
			NodeExposureAuto:    "Continuous",
		},
		floats: map[string]*floatNode{
			NodeExposureTime: {value: 1400, min: 6, max: 30000000},
			NodeGain:         {value: 0, min: 0, max: 47.99},
		},
	}
}

func (c *SimCamera) Info() map[string]string {
	return map[string]string{
		"DeviceVendorName":   "Simulated",
		"DeviceModelName":    "Sim Blackfly S",
		"DeviceSerialNumber": "00000000",
		"DeviceType":         "USB3Vision",
	}
}

func (c *SimCamera) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inited = true
	return nil
}

func (c *SimCamera) DeInit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inited = false
	return nil
}

func (c *SimCamera) SetEnum(node, entry string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.enums[node]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	c.enums[node] = entry
	return nil
}

// Enum returns the current entry of an enumeration node.
func (c *SimCamera) Enum(node string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enums[node]
}

func (c *SimCamera) FloatRange(node string) (float64, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.floats[node]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return n.min, n.max, nil
}

func (c *SimCamera) SetFloat(node string, v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.floats[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	if v < n.min || v > n.max {
		return fmt.Errorf("%s value %g outside [%g, %g]", node, v, n.min, n.max)
	}
	n.value = v
	return nil
}

// Float returns the current value of a float node.
func (c *SimCamera) Float(node string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.floats[node]; ok {
		return n.value
	}
	return math.NaN()
}

func (c *SimCamera) BeginAcquisition() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inited {
		return errors.New("camera not initialized")
	}
	c.acquiring = true
	debug.Verbose("SIM camera acquisition started")
	return nil
}

func (c *SimCamera) EndAcquisition() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = false
	return nil
}

// Acquiring reports whether acquisition is running.
func (c *SimCamera) Acquiring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiring
}

func (c *SimCamera) NextImage(ctx context.Context, timeout time.Duration) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquiring {
		return Frame{}, errors.New("acquisition not started")
	}
	if c.opts.FrameErr != nil {
		return Frame{}, c.opts.FrameErr
	}
	c.frames++
	if c.opts.IncompleteEvery > 0 && c.frames%c.opts.IncompleteEvery == 0 {
		return Frame{Incomplete: true, Status: 3}, nil
	}
	return Frame{Image: c.render()}, nil
}

// render draws a gradient with a bar that advances one column per frame.
func (c *SimCamera) render() *image.RGBA {
	w, h := c.opts.Width, c.opts.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	gain := math.Pow(10, c.floats[NodeGain].value/20)
	level := c.floats[NodeExposureTime].value / 1400 * gain
	bar := c.frames % w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := level * float64(x+y) / float64(w+h) * 255
			if x >= bar && x < bar+8 {
				v = 255
			}
			g := uint8(math.Min(v, 255))
			img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img
}
