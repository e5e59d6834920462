package misc

import (
	"context"
	"errors"
	"time"
)

// Periodic invokes a function continuously with a regular interval in between.
type Periodic struct {
	// Interval between each invocation.
	Interval time.Duration
	// MaxInt determines the upper bound range of the integer value given
	// to the invoked function.
	// If the function does not use this integer, then set this field to 1.
	MaxInt int
	// Func is the function to be invoked at regular interval. With each
	// invocation, the function will receive:
	// - A context, which may be cancelled.
	// - Current round number starting with 0. A round is completed after the
	//   function has been invoked with all of [0,MaxInt).
	// - An integer in the range of [0,MaxInt).
	// If the function returns a non-nil error, then the periodic invocation
	// will stop entirely. The function's error can be retrieved by calling
	// WaitForErr function.
	Func func(context.Context, int, int) error

	cancelFunc  func()
	funcErrChan chan error
	funcErr     error
}

// Start invoking the periodic function continuously at regular interval.
// The function does not block caller.
// Optionally, use WaitForErr to block-wait for the periodic function to return
// an error, in which case the periodic invocations will stop entirely.
func (p *Periodic) Start(ctx context.Context) error {
	if p.Interval == 0 {
		return errors.New("Interval must be greater than 0")
	}
	if p.MaxInt < 1 {
		return errors.New("MaxInt must be greater than 0")
	}
	ctx, cancelFunc := context.WithCancel(ctx)
	p.cancelFunc = cancelFunc
	p.funcErrChan = make(chan error, 1)
	p.funcErr = nil
	go p.loop(ctx)
	return nil
}

func (p *Periodic) loop(ctx context.Context) {
	for roundNum := 0; ; roundNum++ {
		for anInt := 0; anInt < p.MaxInt; anInt++ {
			if err := p.Func(ctx, roundNum, anInt); err != nil {
				p.funcErrChan <- err
				return
			}
			select {
			case <-time.After(p.Interval):
			case <-ctx.Done():
				p.funcErrChan <- ctx.Err()
				return
			}
		}
	}
}

// WaitForErr waits for the periodically invoked function or its context to
// return an error, and then returns the error to the caller. The function
// blocks caller.
func (p *Periodic) WaitForErr() error {
	if p.funcErr == nil {
		err := <-p.funcErrChan
		p.funcErr = err
	}
	return p.funcErr
}

// Stop the periodic invocation of the function. The result of the final
// invocation can be discovered from the return value of WaitForErr function.
func (p *Periodic) Stop() {
	if p.cancelFunc != nil {
		p.cancelFunc()
	}
}
