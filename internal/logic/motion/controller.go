// Package motion coordinates the motorized axes of the station.
package motion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

var ErrUnknownAxis = errors.New("unknown axis")

// Controller groups the named axes of the station.
type Controller struct {
	axes   []*Axis
	byName map[string]*Axis
}

// NewController creates a controller over axes, kept in the given order.
func NewController(axes ...*Axis) *Controller {
	c := &Controller{byName: make(map[string]*Axis, len(axes))}
	for _, a := range axes {
		c.axes = append(c.axes, a)
		c.byName[a.Name()] = a
	}
	return c
}

// Axis returns the named axis (case-insensitive).
func (c *Controller) Axis(name string) (*Axis, error) {
	a, ok := c.byName[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAxis, name)
	}
	return a, nil
}

// Axes returns the axes in declaration order.
func (c *Controller) Axes() []*Axis {
	return append([]*Axis(nil), c.axes...)
}

// Names returns the axis names in declaration order.
func (c *Controller) Names() []string {
	names := make([]string, len(c.axes))
	for i, a := range c.axes {
		names[i] = a.Name()
	}
	return names
}

// ConnectAll connects every axis concurrently. Every axis is attempted; the
// first error is returned.
func (c *Controller) ConnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, a := range c.axes {
		g.Go(func() error { return a.Connect(ctx) })
	}
	return g.Wait()
}

// SetJogAll sets the jog step of the named axes, or of every connected axis
// when no name is given.
func (c *Controller) SetJogAll(step float64, names ...string) error {
	targets := make([]*Axis, 0, len(c.axes))
	if len(names) == 0 {
		for _, a := range c.axes {
			if a.isConnected() {
				targets = append(targets, a)
			}
		}
	}
	for _, name := range names {
		a, err := c.Axis(name)
		if err != nil {
			return err
		}
		targets = append(targets, a)
	}

	var errs []error
	for _, a := range targets {
		if err := a.SetJogParameters(step); err != nil {
			errs = append(errs, fmt.Errorf("axis %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// MoveAll moves the listed axes concurrently and waits for all of them.
func (c *Controller) MoveAll(ctx context.Context, targets map[string]float64) error {
	moves := make(map[*Axis]float64, len(targets))
	for name, pos := range targets {
		a, err := c.Axis(name)
		if err != nil {
			return err
		}
		moves[a] = pos
	}
	g, gctx := errgroup.WithContext(ctx)
	for a, pos := range moves {
		g.Go(func() error { return a.MoveAbsolute(gctx, pos, 0) })
	}
	return g.Wait()
}

// Positions returns the last reported position of every axis.
func (c *Controller) Positions() map[string]float64 {
	out := make(map[string]float64, len(c.axes))
	for _, a := range c.axes {
		out[a.Name()] = a.Position()
	}
	return out
}

// States returns a snapshot of every axis in declaration order.
func (c *Controller) States() []State {
	out := make([]State, len(c.axes))
	for i, a := range c.axes {
		out[i] = a.State()
	}
	return out
}

// DisconnectAll disconnects every axis and joins the errors.
func (c *Controller) DisconnectAll() error {
	var errs []error
	for _, a := range c.axes {
		if err := a.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("axis %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
