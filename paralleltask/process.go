package paralleltask

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielorbach/go-component"
)

// Environment variables through which a parent hands a task over to the worker
// process it spawns.
const (
	envWorker  = "PARALLELTASK_WORKER"  // Name of the registered task to serve.
	envChannel = "PARALLELTASK_CHANNEL" // File descriptors "<outcome>,<release>".
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]func(ctx context.Context, ch processChannel) error)
)

// Remote starts a registered lifecycle function in a worker process. Obtain
// one from [Register].
type Remote[A, T any] struct {
	name string
}

// Register records f under name so that worker processes can serve it, and
// returns a Remote to start it with. Register panics if name is already
// registered.
//
// Register must run in both the parent and the worker process before [Main]
// is called; package-level variables and init functions satisfy this.
//
// The argument and output types must be encodable with encoding/gob.
func Register[A, T any](name string, f func(ctx context.Context, arg A) (T, Teardown, error)) Remote[A, T] {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("paralleltask: Register called twice for task " + name)
	}
	registry[name] = func(ctx context.Context, ch processChannel) error {
		return serve(ctx, ch, f)
	}
	return Remote[A, T]{name: name}
}

// Name returns the name the task was registered with.
func (r Remote[A, T]) Name() string { return r.name }

// Start re-executes the current binary as a worker process running the task
// with the given argument, and returns its Handle without waiting for the
// setup. Failing to spawn the worker is reported immediately.
//
// The worker writes its logs to the standard error of the parent. Start fails
// inside a worker process: a worker reaching Start means its main function
// did not call [Main], and would otherwise spawn workers recursively.
func (r Remote[A, T]) Start(ctx context.Context, arg A) (*Handle[T], error) {
	if parent, ok := os.LookupEnv(envWorker); ok {
		return nil, fmt.Errorf("start %s: %w (serving %s)", r.name, errNestedWorker, parent)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), envWorker+"="+r.name)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	w, err := startProcess[A, T](cmd, r.name, arg)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", r.name, err)
	}
	h := newHandle[T](ctx, r.name, w)
	h.logger.Debug("Worker process started", "pid", cmd.Process.Pid)
	return h, nil
}

// Main serves a registered task if the current process was spawned as a
// worker, and exits when the task is done. Otherwise, it returns immediately.
//
// Call Main first thing in main, or in TestMain for test binaries that start
// remote tasks.
func Main() {
	name, ok := os.LookupEnv(envWorker)
	if !ok {
		return
	}
	os.Exit(serveWorker(name))
}

func serveWorker(name string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("task", name, "pid", os.Getpid())
	ctx := component.InjectLogger(context.Background(), logger)

	// An interrupt reaches the whole process group. The parent decides when to
	// tear down, and its death closes the release pipe anyway.
	signal.Ignore(os.Interrupt)

	registryMu.Lock()
	run, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		logger.Error("Unknown task; was it registered before paralleltask.Main?")
		return 2
	}

	ch, err := openChannel(os.Getenv(envChannel))
	if err != nil {
		logger.Error("Failed to open the channel to the parent", "error", err)
		return 2
	}
	if err := run(ctx, ch); err != nil {
		logger.Error("Worker failed", "error", err)
		return 1
	}
	return 0
}

// processChannel is the worker's end of the pipes shared with its parent.
type processChannel struct {
	outcome *os.File // Written by the worker.
	release *os.File // Read by the worker; EOF permits teardown.
}

func openChannel(fds string) (processChannel, error) {
	out, rel, ok := strings.Cut(fds, ",")
	if !ok {
		return processChannel{}, fmt.Errorf("malformed %s %q", envChannel, fds)
	}
	outFD, err := strconv.Atoi(out)
	if err != nil {
		return processChannel{}, fmt.Errorf("outcome descriptor: %w", err)
	}
	relFD, err := strconv.Atoi(rel)
	if err != nil {
		return processChannel{}, fmt.Errorf("release descriptor: %w", err)
	}
	return processChannel{
		outcome: os.NewFile(uintptr(outFD), "paralleltask-outcome"),
		release: os.NewFile(uintptr(relFD), "paralleltask-release"),
	}, nil
}

// serve runs f inside the worker process, following the protocol that
// processWorker expects on the other side.
func serve[A, T any](ctx context.Context, ch processChannel, f func(context.Context, A) (T, Teardown, error)) error {
	defer func() { _ = ch.outcome.Close() }()
	logger := component.Logger(ctx)

	var arg envelope[A]
	if err := gob.NewDecoder(ch.release).Decode(&arg); err != nil {
		return fmt.Errorf("receive argument: %w", err)
	}

	logger.Debug("Setting up...")
	output, teardown, err := runSetup(ctx, func(ctx context.Context) (T, Teardown, error) {
		return f(ctx, arg.Value)
	})
	enc := gob.NewEncoder(ch.outcome)
	sendErr := sendOutcome(enc, output, err)
	if err != nil {
		logger.Error("Setup failed", "error", err)
	} else {
		logger.Debug("Setup done, holding until released")
	}

	// The parent closes its end of the release pipe when the Handle is closed,
	// or implicitly when it dies.
	if _, err := io.Copy(io.Discard, ch.release); err != nil {
		logger.Warn("Reading the release pipe failed; tearing down anyway", "error", err)
	}
	if err != nil {
		return sendErr
	}

	logger.Debug("Tearing down...")
	tdErr := runTeardown(context.WithoutCancel(ctx), teardown)
	if err := enc.Encode(marker{Err: toRemote(tdErr)}); err != nil && tdErr == nil {
		// Nobody listens anymore; the teardown itself went fine.
		logger.Debug("Could not report the teardown result", "error", err)
	}
	if sendErr != nil {
		return sendErr
	}
	if tdErr != nil {
		return fmt.Errorf("teardown: %w", tdErr)
	}
	return nil
}

// processWorker is the parent's view of a worker process.
type processWorker[T any] struct {
	cmd      *exec.Cmd
	releaseW *os.File // Closing it permits teardown.

	readyCh  chan struct{} // Closed once output/err are set.
	doneCh   chan struct{} // Closed once the outcome stream is drained.
	exitCh   chan struct{} // Closed once the process is reaped.
	output   T
	err      error
	tdErr    error // Teardown failure reported by the worker.
	waitErr  error // Result of cmd.Wait.
	killed   atomic.Bool
	relOnce  sync.Once
	killOnce sync.Once
}

// startProcess spawns cmd with the channel pipes and hands arg over.
func startProcess[A, T any](cmd *exec.Cmd, name string, arg A) (*processWorker[T], error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("outcome pipe: %w", err)
	}
	relR, relW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("release pipe: %w", err)
	}

	// ExtraFiles[i] becomes descriptor 3+i in the child.
	base := 3 + len(cmd.ExtraFiles)
	cmd.ExtraFiles = append(cmd.ExtraFiles, outW, relR)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d,%d", envChannel, base, base+1))

	start := time.Now()
	err = cmd.Start()
	// The child owns its copies now; ours must go so that EOF propagates.
	_ = outW.Close()
	_ = relR.Close()
	if err != nil {
		_ = outR.Close()
		_ = relW.Close()
		return nil, fmt.Errorf("spawn worker process: %w", err)
	}

	w := &processWorker[T]{
		cmd:      cmd,
		releaseW: relW,
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		exitCh:   make(chan struct{}),
	}
	go w.drain(outR, name, start)
	go func() {
		w.waitErr = cmd.Wait()
		close(w.exitCh)
	}()

	if err := gob.NewEncoder(relW).Encode(envelope[A]{Value: arg}); err != nil {
		w.kill()
		<-w.exitCh
		w.release()
		return nil, fmt.Errorf("send argument: %w", err)
	}
	return w, nil
}

// drain reads the outcome stream: the outcome first, then the teardown marker.
func (w *processWorker[T]) drain(r *os.File, name string, start time.Time) {
	defer close(w.doneCh)
	defer func() { _ = r.Close() }()

	dec := gob.NewDecoder(r)
	w.output, w.err = receiveOutcome[T](dec)
	measureSetup(context.Background(), name, w.err == nil, time.Since(start))
	close(w.readyCh)
	if w.err != nil {
		return
	}
	var m marker
	if err := dec.Decode(&m); err == nil && m.Err != nil {
		w.tdErr = m.Err
	}
}

func (w *processWorker[T]) ready() <-chan struct{} { return w.readyCh }

func (w *processWorker[T]) receive() (T, error) { return w.output, w.err }

func (w *processWorker[T]) release() {
	w.relOnce.Do(func() { _ = w.releaseW.Close() })
}

func (w *processWorker[T]) kill() {
	w.killOnce.Do(func() {
		w.killed.Store(true)
		_ = w.cmd.Process.Kill()
	})
}

func (w *processWorker[T]) exited() <-chan struct{} { return w.exitCh }

func (w *processWorker[T]) join() error {
	<-w.exitCh
	<-w.doneCh
	if w.killed.Load() {
		// The teardown was skipped; there is nothing to report.
		return nil
	}
	if w.tdErr != nil {
		return w.tdErr
	}
	if w.waitErr != nil {
		return fmt.Errorf("worker process: %w", w.waitErr)
	}
	return nil
}
