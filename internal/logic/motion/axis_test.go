package motion

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/kinesis"
)

// newSimAxis returns an axis over a simulated DC servo stage.
func newSimAxis(t *testing.T, sim kinesis.SimOptions, opts Options) (*Axis, *kinesis.SimDevice) {
	t.Helper()
	if sim.Velocity == 0 {
		sim.Velocity = 200
	}
	dev := kinesis.NewSimDevice("27263196", kinesis.DCServo, sim)
	h := &kinesis.Handle{Serial: "27263196", Class: kinesis.DCServo, Profile: "MTS50-Z8", Device: dev}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	a := NewAxis("x", h, opts)
	t.Cleanup(func() { _ = a.Disconnect() })
	return a, dev
}

func TestAxis_ConnectAndMove(t *testing.T) {
	a, dev := newSimAxis(t, kinesis.SimOptions{Start: 3}, Options{})
	require.NoError(t, a.Connect(context.Background()))

	assert.Equal(t, "X", a.Name())
	assert.True(t, dev.Enabled())
	st := a.State()
	assert.Equal(t, "ready", st.Connection)
	assert.True(t, st.Homed, "connect homes the stage")
	assert.InDelta(t, 0.05, dev.JogStep(), 1e-12, "initial jog step is pushed on connect")

	require.NoError(t, a.MoveAbsolute(context.Background(), 5, time.Second))
	assert.InDelta(t, 5, a.Position(), 1e-9)
	assert.False(t, a.Moving())
}

func TestAxis_ConnectIsIdempotent(t *testing.T) {
	a, dev := newSimAxis(t, kinesis.SimOptions{}, Options{SkipHome: true})
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, 0, dev.Commands())
}

func TestAxis_MoveBeforeConnectFailsFast(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{}, Options{})
	mark := lastSeq(debug.Default())

	start := time.Now()
	err := a.MoveAbsolute(context.Background(), 1, time.Minute)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, a.Jog(context.Background(), kinesis.Forward), ErrNotConnected)
	assert.ErrorIs(t, a.SetJogParameters(0.1), ErrNotConnected)
	assert.ErrorIs(t, a.SetVelocity(1, 1), ErrNotConnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var errs []debug.Record
	for _, r := range debug.Default().Since(mark) {
		if r.Level == "ERROR" && r.Component == "MotorControl" {
			errs = append(errs, r)
		}
	}
	require.Len(t, errs, 4, "every refused action logs an error record")
	assert.Contains(t, errs[0].Details, "not connected")
	assert.Contains(t, errs[0].Message, "move")
}

func lastSeq(j *debug.Journal) uint64 {
	records := j.Records()
	if len(records) == 0 {
		return 0
	}
	return records[len(records)-1].Seq
}

func TestAxis_MoveDuringHomingFollowsPolicy(t *testing.T) {
	a, dev := newSimAxis(t, kinesis.SimOptions{Start: 40, Velocity: 50}, Options{Policy: Reject})

	done := make(chan error, 1)
	go func() { done <- a.Connect(context.Background()) }()

	// Homing from 40 mm at 50 mm/s takes about 0.8 s.
	require.Eventually(t, func() bool { return a.isConnected() && dev.Commands() > 0 }, time.Second, time.Millisecond)
	require.False(t, a.State().Homed, "homing should still be running")

	err := a.MoveAbsolute(context.Background(), 5, time.Second)
	assert.ErrorIs(t, err, ErrAxisBusy)
	assert.ErrorIs(t, a.Jog(context.Background(), kinesis.Forward), ErrAxisBusy)

	require.NoError(t, <-done)
	assert.True(t, a.State().Homed)
	require.NoError(t, a.MoveAbsolute(context.Background(), 5, 2*time.Second))
	assert.InDelta(t, 5, a.Position(), 1e-9)
}

func TestAxis_DisconnectTwice(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{}, Options{SkipHome: true})
	require.NoError(t, a.Connect(context.Background()))

	assert.NoError(t, a.Disconnect())
	assert.NoError(t, a.Disconnect())
	assert.Equal(t, "disconnected", a.State().Connection)
	assert.ErrorIs(t, a.MoveAbsolute(context.Background(), 1, 0), ErrNotConnected)
	assert.ErrorIs(t, a.Connect(context.Background()), ErrReleased)
}

func TestAxis_ConnectFailure(t *testing.T) {
	cases := []struct {
		name string
		sim  kinesis.SimOptions
		opts Options
		also error
	}{
		{"open", kinesis.SimOptions{ConnectErr: errors.New("port busy")}, Options{}, nil},
		{"init_timeout", kinesis.SimOptions{InitDelay: time.Second}, Options{InitTimeout: 20 * time.Millisecond}, ErrInitTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newSimAxis(t, tc.sim, tc.opts)
			err := a.Connect(context.Background())
			assert.ErrorIs(t, err, ErrConnect)
			if tc.also != nil {
				assert.ErrorIs(t, err, tc.also)
			}
			assert.Equal(t, "faulted", a.State().Connection)
			assert.ErrorIs(t, a.MoveAbsolute(context.Background(), 1, 0), ErrNotConnected)
		})
	}
}

func TestAxis_MoveTimeout(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{Stall: true}, Options{SkipHome: true})
	require.NoError(t, a.Connect(context.Background()))

	err := a.MoveAbsolute(context.Background(), 10, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrMoveTimeout)
	assert.Equal(t, "ready", a.State().Connection, "a timeout leaves the axis connected")
}

func TestAxis_MoveInvalidTarget(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{}, Options{SkipHome: true})
	require.NoError(t, a.Connect(context.Background()))

	assert.ErrorIs(t, a.MoveAbsolute(context.Background(), math.NaN(), 0), ErrInvalidParameter)
	assert.ErrorIs(t, a.MoveAbsolute(context.Background(), 80, 0), kinesis.ErrOutOfRange)
	assert.False(t, a.Moving())
}

func TestAxis_Jog(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{}, Options{SkipHome: true})
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.SetJogParameters(0.5))
	assert.Equal(t, 0.5, a.JogStep())

	ctx := context.Background()
	require.NoError(t, a.Jog(ctx, kinesis.Forward))
	require.NoError(t, a.Jog(ctx, kinesis.Forward))
	assert.InDelta(t, 1.0, a.Position(), 1e-9)

	require.NoError(t, a.Jog(ctx, kinesis.Backward))
	assert.InDelta(t, 0.5, a.Position(), 1e-9)

	require.NoError(t, a.Jog(ctx, kinesis.Backward))
	assert.ErrorIs(t, a.Jog(ctx, kinesis.Backward), kinesis.ErrOutOfRange)
}

func TestAxis_SetJogParametersInvalid(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{}, Options{SkipHome: true})
	require.NoError(t, a.Connect(context.Background()))

	for _, step := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, a.SetJogParameters(step), ErrInvalidParameter, "step %v", step)
	}
	assert.Equal(t, 0.05, a.JogStep(), "rejected step leaves the previous one")
}

func TestAxis_SetVelocity(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{}, Options{SkipHome: true})
	assert.ErrorIs(t, a.SetVelocity(1, 1), ErrNotConnected)
	require.NoError(t, a.Connect(context.Background()))
	assert.NoError(t, a.SetVelocity(2.4, 1.5))
	assert.ErrorIs(t, a.SetVelocity(-1, 0), ErrInvalidParameter)
}

// startMove runs a move in the background and waits until it is in flight.
func startMove(t *testing.T, a *Axis, target float64, timeout time.Duration) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.MoveAbsolute(context.Background(), target, timeout) }()
	require.Eventually(t, a.Moving, time.Second, time.Millisecond)
	return done
}

func TestAxis_BusyReject(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{Stall: true}, Options{SkipHome: true, Policy: Reject})
	require.NoError(t, a.Connect(context.Background()))

	first := startMove(t, a, 10, 5*time.Second)
	assert.ErrorIs(t, a.MoveAbsolute(context.Background(), 2, 0), ErrAxisBusy)
	assert.ErrorIs(t, a.Jog(context.Background(), kinesis.Forward), ErrAxisBusy)

	require.NoError(t, a.Disconnect())
	assert.ErrorIs(t, <-first, ErrNotConnected)
}

func TestAxis_BusyQueue(t *testing.T) {
	a, dev := newSimAxis(t, kinesis.SimOptions{Velocity: 20}, Options{SkipHome: true, Policy: Queue})
	require.NoError(t, a.Connect(context.Background()))

	first := startMove(t, a, 2, 5*time.Second)
	require.NoError(t, a.MoveAbsolute(context.Background(), 3, 5*time.Second))
	require.NoError(t, <-first)
	assert.InDelta(t, 3, a.Position(), 1e-9)
	assert.Equal(t, 2, dev.Commands())
}

func TestAxis_BusyReplace(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{Velocity: 1}, Options{SkipHome: true, Policy: Replace})
	require.NoError(t, a.Connect(context.Background()))

	first := startMove(t, a, 40, 5*time.Second)
	require.NoError(t, a.MoveAbsolute(context.Background(), 0.2, 5*time.Second))
	assert.ErrorIs(t, <-first, ErrSuperseded)
	assert.InDelta(t, 0.2, a.Position(), 1e-9)
}

func TestAxis_CommandsNeverOverlap(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{Velocity: 50}, Options{SkipHome: true, Policy: Queue})
	require.NoError(t, a.Connect(context.Background()))

	var wg sync.WaitGroup
	for _, target := range []float64{1, 2, 3, 4} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.MoveAbsolute(context.Background(), target, 5*time.Second))
		}()
	}
	wg.Wait()
	assert.False(t, a.Moving())
}

func TestAxis_ContextCancel(t *testing.T) {
	a, _ := newSimAxis(t, kinesis.SimOptions{Stall: true}, Options{SkipHome: true})
	require.NoError(t, a.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.MoveAbsolute(ctx, 10, time.Minute), context.DeadlineExceeded)
}

func TestParseBusyPolicy(t *testing.T) {
	cases := map[string]BusyPolicy{"": Reject, "reject": Reject, "QUEUE": Queue, "replace": Replace}
	for in, want := range cases {
		got, err := ParseBusyPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseBusyPolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseBusyPolicy("drop"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
