package paralleltask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle stage of a task as observed through its Handle.
type State int

const (
	// Running means the worker has not signalled readiness yet.
	Running State = iota
	// Ready means the outcome is available (successful or not), or the task was
	// abandoned.
	Ready
	// Finished means the Handle was closed and the worker has exited.
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle is the caller's side of a background task.
//
// A Handle is meant for a single consumer, yet calling Wait or Output again
// after the task is ready is harmless: the outcome is received once and
// cached, and the worker never runs twice.
//
// Close must be called once the caller is done with the output. Handles are
// typically closed with defer, or registered with [testing.T.Cleanup].
type Handle[T any] struct {
	id     string
	name   string
	w      worker[T]
	logger *slog.Logger

	mu       sync.Mutex
	consumed bool // Whether the outcome was received or the task abandoned.
	output   T
	err      error
	closed   bool

	joined   chan struct{} // Closed once Close has joined the worker.
	closeErr error         // Written before joined is closed.
}

func newHandle[T any](ctx context.Context, name string, w worker[T]) *Handle[T] {
	id := uuid.NewString()
	return &Handle[T]{
		id:     id,
		name:   name,
		w:      w,
		logger: component.Logger(ctx).With("task", name, "task.id", id),
		joined: make(chan struct{}),
	}
}

// withLogger injects the task's logger into ctx so that lifecycle functions
// log with the task attributes.
func (h *Handle[T]) withLogger(ctx context.Context) context.Context {
	return component.InjectLogger(ctx, h.logger)
}

// Name returns the name the task was started with.
func (h *Handle[T]) Name() string { return h.name }

// ID returns an identifier unique to this task.
func (h *Handle[T]) ID() string { return h.id }

// State reports the current lifecycle stage of the task.
func (h *Handle[T]) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.joined:
		return Finished
	default:
	}
	if h.consumed {
		return Ready
	}
	select {
	case <-h.w.ready():
		return Ready
	default:
		return Running
	}
}

// Exited returns a channel that is closed once the worker is gone, either
// because it tore down and returned or because it was terminated.
func (h *Handle[T]) Exited() <-chan struct{} { return h.w.exited() }

// Wait blocks until the task is ready or ctx is done.
//
// If the setup failed, Wait returns a [*TaskError] wrapping the original
// error. If ctx expires first, the worker is terminated and Wait returns a
// [*TimeoutError] (or an error wrapping the cancellation cause when ctx was
// cancelled without a deadline). Either way, every later call returns the same
// error.
func (h *Handle[T]) Wait(ctx context.Context) error {
	_, err := h.Output(ctx)
	return err
}

// Output waits like [Handle.Wait] and then returns the output of the setup.
// Repeated calls return the same output.
func (h *Handle[T]) Output(ctx context.Context) (T, error) {
	ctx, span := tracer.Start(ctx, "paralleltask.Output", trace.WithAttributes(
		attribute.String("task.name", h.name),
		attribute.String("task.id", h.id),
	))
	defer span.End()

	output, err := h.await(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return output, err
}

// timeoutKey is the context key of the timeout recorded by WithTimeout.
type timeoutKey struct{}

type recordedTimeout struct {
	deadline time.Time
	timeout  time.Duration
}

// WithTimeout is like [context.WithTimeout], except that a [*TimeoutError]
// returned by Wait or Output under the returned context reports d. Under other
// contexts, it reports the time that was left when Wait was called.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, d)
	if deadline, ok := ctx.Deadline(); ok {
		ctx = context.WithValue(ctx, timeoutKey{}, recordedTimeout{deadline: deadline, timeout: d})
	}
	return ctx, cancel
}

// timeoutOf returns the timeout that ctx stands for.
func timeoutOf(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	// A recorded timeout only holds if no shorter deadline was set since.
	if r, ok := ctx.Value(timeoutKey{}).(recordedTimeout); ok && r.deadline.Equal(deadline) {
		return r.timeout
	}
	return time.Until(deadline)
}

func (h *Handle[T]) await(ctx context.Context) (T, error) {
	timeout := timeoutOf(ctx)
	// Prefer readiness over an already expired context.
	select {
	case <-h.w.ready():
		return h.collect()
	default:
	}
	select {
	case <-h.w.ready():
		return h.collect()
	case <-ctx.Done():
		return h.abandon(ctx, timeout)
	}
}

// collect receives the outcome once and caches it.
func (h *Handle[T]) collect() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed {
		return h.output, h.err
	}
	h.consumed = true
	h.output, h.err = h.w.receive()
	if h.err != nil {
		h.logger.Error("Task failed", "error", h.err)
		h.err = &TaskError{Task: h.name, Err: h.err}
	} else {
		h.logger.Debug("Task output received")
	}
	return h.output, h.err
}

// abandon terminates the worker after ctx expired.
func (h *Handle[T]) abandon(ctx context.Context, timeout time.Duration) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed {
		return h.output, h.err
	}
	h.consumed = true
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		h.err = &TimeoutError{Task: h.name, Timeout: timeout}
	} else {
		h.err = fmt.Errorf("%s abandoned: %w", h.name, context.Cause(ctx))
	}
	h.logger.Warn("Terminating task; the state of its resource is unknown", "error", h.err)
	h.w.kill()
	countAbandoned(context.WithoutCancel(ctx), h.name)
	return h.output, h.err
}

// Close permits the worker to tear down and blocks until it has exited. It
// returns the teardown failure, if any. Close is safe to call more than once;
// later calls wait for the first one and return the same error.
func (h *Handle[T]) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.joined
		return h.closeErr
	}
	h.closed = true
	h.mu.Unlock()

	h.logger.Debug("Releasing task...")
	h.w.release()
	err := h.w.join()
	if err != nil {
		err = fmt.Errorf("%s teardown: %w", h.name, err)
		h.logger.Error("Task teardown failed", "error", err)
	} else {
		h.logger.Debug("Task released")
	}
	h.closeErr = err
	close(h.joined)
	return err
}
