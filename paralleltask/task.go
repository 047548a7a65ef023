package paralleltask

import (
	"context"
	"sync"
	"time"
)

// Start runs setup on a new goroutine and returns its Handle immediately.
//
// The goroutine inherits the values of ctx (such as the logger and the trace)
// but not its cancellation: a task outlives the call that launched it, and
// the only way to abandon it is the deadline passed to [Handle.Wait].
//
// The caller must Close the returned Handle.
func Start[T any](ctx context.Context, name string, setup func(ctx context.Context) (T, Teardown, error)) *Handle[T] {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &localWorker[T]{
		readyCh:   make(chan struct{}),
		releaseCh: make(chan struct{}),
		killCh:    make(chan struct{}),
		exitCh:    make(chan struct{}),
		slot:      make(chan outcome[T], 1),
		cancel:    cancel,
	}
	h := newHandle[T](ctx, name, w)
	go w.run(h.withLogger(wctx), name, setup)
	return h
}

// Wrap is the decorator form of [Start]. It returns a function with the same
// argument as f that starts f in the background and returns its Handle.
//
//	var startDatabase = paralleltask.Wrap("database", spawnDatabase)
//
//	h := startDatabase(ctx, cfg)
//	defer h.Close()
func Wrap[A, T any](name string, f func(ctx context.Context, arg A) (T, Teardown, error)) func(context.Context, A) *Handle[T] {
	return func(ctx context.Context, arg A) *Handle[T] {
		return Start(ctx, name, func(ctx context.Context) (T, Teardown, error) {
			return f(ctx, arg)
		})
	}
}

// localWorker runs a lifecycle function on a goroutine.
type localWorker[T any] struct {
	readyCh   chan struct{}   // Closed by the worker once slot holds the outcome.
	releaseCh chan struct{}   // Closed by the caller to permit teardown.
	killCh    chan struct{}   // Closed by the caller to abandon the task.
	exitCh    chan struct{}   // Closed by the worker when it returns.
	slot      chan outcome[T] // One-slot channel; written once, read at most once.
	cancel    context.CancelFunc

	releaseOnce sync.Once
	killOnce    sync.Once
	teardownErr error // Written before exitCh is closed.
}

func (w *localWorker[T]) run(ctx context.Context, name string, setup func(context.Context) (T, Teardown, error)) {
	defer close(w.exitCh)
	defer w.cancel()

	start := time.Now()
	output, teardown, err := runSetup(ctx, setup)
	measureSetup(ctx, name, err == nil, time.Since(start))

	// Enqueue the outcome before signalling readiness so that a caller that
	// observes readiness never waits for the payload.
	w.slot <- outcome[T]{Output: output, Err: err}
	close(w.readyCh)

	// Hold the resource until the caller lets go. A killed task whose setup
	// ignored the cancellation still tears down what it acquired.
	select {
	case <-w.releaseCh:
	case <-w.killCh:
	}
	if err != nil {
		return
	}
	w.teardownErr = runTeardown(context.WithoutCancel(ctx), teardown)
}

func (w *localWorker[T]) ready() <-chan struct{} { return w.readyCh }

func (w *localWorker[T]) receive() (T, error) {
	o := <-w.slot
	return o.Output, o.Err
}

func (w *localWorker[T]) release() {
	w.releaseOnce.Do(func() { close(w.releaseCh) })
}

func (w *localWorker[T]) kill() {
	w.killOnce.Do(func() {
		close(w.killCh)
		w.cancel()
	})
}

func (w *localWorker[T]) exited() <-chan struct{} { return w.exitCh }

func (w *localWorker[T]) join() error {
	<-w.exitCh
	return w.teardownErr
}
