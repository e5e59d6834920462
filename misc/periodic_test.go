package misc

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestPeriodic_Start(t *testing.T) {
	p := &Periodic{Func: func(context.Context, int, int) error {
		return nil
	}}
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("must not start without an interval")
	}
	p.Interval = time.Second
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("must not start without MaxInt")
	}
	// Stopping before the start does nothing.
	p.Stop()
}

func TestPeriodic_Sweep(t *testing.T) {
	// The daemon sweeps once every interval, so each invocation begins a new round.
	sweeps := make(chan int, 10)
	p := &Periodic{
		Interval: 10 * time.Millisecond,
		MaxInt:   1,
		Func: func(_ context.Context, round, i int) error {
			if i != 0 {
				t.Errorf("unexpected integer %d", i)
			}
			sweeps <- round
			return nil
		},
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	var rounds []int
	for len(rounds) < 3 {
		rounds = append(rounds, <-sweeps)
	}
	p.Stop()
	if err := p.WaitForErr(); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rounds, []int{0, 1, 2}) {
		t.Fatal(rounds)
	}
	// Stopping again is harmless and the error stays.
	p.Stop()
	if err := p.WaitForErr(); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
}

func TestPeriodic_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	begun := make(chan struct{})
	p := &Periodic{
		Interval: time.Hour,
		MaxInt:   1,
		Func: func(context.Context, int, int) error {
			close(begun)
			return nil
		},
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-begun
	// The daemon's context going away ends the sweep without waiting for the interval.
	start := time.Now()
	cancel()
	if err := p.WaitForErr(); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatal(elapsed)
	}
}

func TestPeriodic_FuncError(t *testing.T) {
	sweepErr := errors.New("reactor is gone")
	var calls []int
	p := &Periodic{
		Interval: time.Millisecond,
		MaxInt:   2,
		Func: func(_ context.Context, round, i int) error {
			calls = append(calls, round*10+i)
			if len(calls) == 3 {
				return sweepErr
			}
			return nil
		},
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := p.WaitForErr(); err != sweepErr {
			t.Fatal(err)
		}
	}
	if !reflect.DeepEqual(calls, []int{0, 1, 10}) {
		t.Fatal(calls)
	}
}
