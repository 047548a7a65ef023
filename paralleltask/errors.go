package paralleltask

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// TaskError reports that the setup of a task failed before producing its
// output. Err is the original error returned by the setup; for tasks run in a
// worker process, it is the [*RemoteError] reconstructed from it.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return e.Task + " failed: " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// TimeoutError reports that a task did not become ready within the deadline
// given to Wait. Timeout is the one given to [WithTimeout], if the deadline
// came from it, and the time left when Wait was called otherwise. The worker is terminated when this error is returned, so the
// resource it was provisioning may have leaked.
type TimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s failed to complete within %v", e.Task, e.Timeout)
}

// Unwrap makes errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// PanicError carries a value recovered from a panicking setup or teardown.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the recovered value if it is an error, such as a
// [runtime.Error].
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// RemoteError is an error reconstructed on the caller's side of a process
// boundary. It keeps the dynamic type name and message of each error in the
// original chain.
type RemoteError struct {
	Type    string
	Message string
	Cause   *RemoteError
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	// Avoid returning a typed nil wrapped in a non-nil interface.
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// toRemote flattens the chain of err into a RemoteError. Only the first error
// of a multi-error is followed.
func toRemote(err error) *RemoteError {
	if err == nil {
		return nil
	}
	if r, ok := err.(*RemoteError); ok {
		return r
	}
	var next error
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		next = x.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := x.Unwrap(); len(errs) > 0 {
			next = errs[0]
		}
	}
	return &RemoteError{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Cause:   toRemote(next),
	}
}

// errWorkerVanished is reported when a worker process exits without ever
// signalling readiness.
var errWorkerVanished = errors.New("worker exited before signalling readiness")

// errNestedWorker is reported when a worker process tries to start a worker.
var errNestedWorker = errors.New("worker processes cannot start workers; call paralleltask.Main first")
