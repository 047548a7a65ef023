package paralleltask

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// Teardown releases the resource acquired by a lifecycle function. It runs
// exactly once, after the Handle of the task is closed.
type Teardown func(ctx context.Context) error

// A worker is one side of the channel between a Handle and the goroutine or
// process executing the lifecycle function.
//
// The worker raises the readiness signal only after its outcome can be
// received. The caller raises the release signal (teardown permitted) when
// the Handle is closed. Both signals are one-shot.
type worker[T any] interface {
	// ready is closed once the outcome is available to receive.
	ready() <-chan struct{}
	// receive returns the one-shot outcome. Call it once, after ready.
	receive() (T, error)
	// release permits the worker to tear down and exit.
	release()
	// kill terminates the worker without waiting for its setup to finish.
	kill()
	// exited is closed once the worker is gone.
	exited() <-chan struct{}
	// join blocks until the worker exited and reports the teardown failure,
	// if any.
	join() error
}

// outcome is what crosses the boundary exactly once per task: either the
// output, or the error that prevented it.
type outcome[T any] struct {
	Output T
	Err    error
}

// marker is the first message of an outcome stream. A nil Err announces that
// the output follows. The same message later reports the teardown result.
type marker struct {
	Err *RemoteError
}

// envelope wraps values sent over a stream, because gob refuses top-level
// nil pointers.
type envelope[T any] struct {
	Value T
}

// sendOutcome writes the error marker followed, on success only, by the
// output. A failed task therefore never leaves an unread output behind.
func sendOutcome[T any](enc *gob.Encoder, output T, err error) error {
	if err != nil {
		if err := enc.Encode(marker{Err: toRemote(err)}); err != nil {
			return fmt.Errorf("send error marker: %w", err)
		}
		return nil
	}
	if err := enc.Encode(marker{}); err != nil {
		return fmt.Errorf("send error marker: %w", err)
	}
	if err := enc.Encode(envelope[T]{Value: output}); err != nil {
		return fmt.Errorf("send output: %w", err)
	}
	return nil
}

// receiveOutcome reads what sendOutcome wrote. The marker is read first; the
// output is read only if the marker reports success.
func receiveOutcome[T any](dec *gob.Decoder) (T, error) {
	var zero T
	var m marker
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return zero, errWorkerVanished
		}
		return zero, fmt.Errorf("receive error marker: %w", err)
	}
	if m.Err != nil {
		return zero, m.Err
	}
	var out envelope[T]
	if err := dec.Decode(&out); err != nil {
		return zero, fmt.Errorf("receive output: %w", err)
	}
	return out.Value, nil
}

// runSetup calls setup, turning a panic into a *PanicError.
func runSetup[T any](ctx context.Context, setup func(context.Context) (T, Teardown, error)) (output T, teardown Teardown, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			output, teardown, err = zero, nil, newPanicError(r)
		}
	}()
	return setup(ctx)
}

// runTeardown calls teardown, turning a panic into a *PanicError.
func runTeardown(ctx context.Context, teardown Teardown) (err error) {
	if teardown == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return teardown(ctx)
}
