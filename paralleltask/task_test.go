package paralleltask

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

// divide is a lifecycle function without a teardown.
func divide(_ context.Context, operands [2]int) (int, Teardown, error) {
	return operands[0] / operands[1], nil, nil
}

func TestStart_Output(t *testing.T) {
	h := Wrap("divide", divide)(context.Background(), [2]int{10, 2})
	defer closeHandle(t, h)

	got, err := h.Output(context.Background())
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if got != 5 {
		t.Errorf("Output() = %d, want 5", got)
	}
}

func TestStart_OutputIsCached(t *testing.T) {
	var calls atomic.Int32
	h := Start(context.Background(), "count", func(ctx context.Context) (int32, Teardown, error) {
		return calls.Add(1), nil, nil
	})
	defer closeHandle(t, h)

	first, err := h.Output(context.Background())
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	second, err := h.Output(context.Background())
	if err != nil {
		t.Fatalf("second Output() error = %v", err)
	}
	if first != second {
		t.Errorf("Output() returned %d then %d, want identical values", first, second)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("setup ran %d times, want 1", n)
	}
}

func TestStart_SetupPanics(t *testing.T) {
	h := Wrap("divide", divide)(context.Background(), [2]int{10, 0})
	defer closeHandle(t, h)

	_, err := h.Output(context.Background())
	if err == nil {
		t.Fatal("Output() succeeded, want error")
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("Output() error = %T, want *TaskError", err)
	}
	if taskErr.Task != "divide" {
		t.Errorf("TaskError.Task = %q, want %q", taskErr.Task, "divide")
	}
	var runtimeErr runtime.Error
	if !errors.As(err, &runtimeErr) {
		t.Errorf("Output() error = %v, want its cause to be the division by zero", err)
	}
	// The failure is reported on every access, not only the first.
	if err := h.Wait(context.Background()); !errors.As(err, &taskErr) {
		t.Errorf("second Wait() error = %v, want *TaskError", err)
	}
}

func TestStart_SetupError(t *testing.T) {
	errBoom := errors.New("boom")
	var tornDown atomic.Bool
	h := Start(context.Background(), "boom", func(ctx context.Context) (string, Teardown, error) {
		return "", func(context.Context) error {
			tornDown.Store(true)
			return nil
		}, errBoom
	})

	if err := h.Wait(context.Background()); !errors.Is(err, errBoom) {
		t.Errorf("Wait() error = %v, want %v", err, errBoom)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if tornDown.Load() {
		t.Error("teardown ran although the setup failed")
	}
}

func TestStart_Timeout(t *testing.T) {
	h := Start(context.Background(), "sleepy", func(ctx context.Context) (int, Teardown, error) {
		select {
		case <-time.After(5 * time.Second):
			return 1, nil, nil
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	})
	defer closeHandle(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := h.Wait(ctx)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Wait() error = %v, want *TimeoutError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want it to match context.DeadlineExceeded", err)
	}
	if timeoutErr.Task != "sleepy" {
		t.Errorf("TimeoutError.Task = %q, want %q", timeoutErr.Task, "sleepy")
	}
	if elapsed > time.Second {
		t.Errorf("Wait() returned after %v, want about 100ms", elapsed)
	}

	select {
	case <-h.Exited():
	case <-time.After(time.Second):
		t.Fatal("worker still running after the timeout")
	}

	// The abandonment is final.
	if err := h.Wait(context.Background()); !errors.As(err, &timeoutErr) {
		t.Errorf("second Wait() error = %v, want *TimeoutError", err)
	}
}

func TestWithTimeout(t *testing.T) {
	newSleepy := func() *Handle[int] {
		return Start(context.Background(), "sleepy", func(ctx context.Context) (int, Teardown, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		})
	}
	tests := []struct {
		name    string
		context func() (context.Context, context.CancelFunc)
		want    time.Duration
	}{
		{
			name: "recorded timeout",
			context: func() (context.Context, context.CancelFunc) {
				return WithTimeout(context.Background(), 300*time.Millisecond)
			},
			want: 300 * time.Millisecond,
		},
		{
			name: "shorter deadline inside",
			context: func() (context.Context, context.CancelFunc) {
				ctx, cancel := WithTimeout(context.Background(), time.Hour)
				ctx, cancel2 := context.WithDeadline(ctx, time.Now().Add(300*time.Millisecond))
				return ctx, func() { cancel2(); cancel() }
			},
			want: 0, // The time left, below 300ms.
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSleepy()
			defer closeHandle(t, h)
			ctx, cancel := tt.context()
			defer cancel()
			// Part of the timeout is used up before waiting.
			time.Sleep(100 * time.Millisecond)

			var timeoutErr *TimeoutError
			if err := h.Wait(ctx); !errors.As(err, &timeoutErr) {
				t.Fatalf("Wait() error = %v, want *TimeoutError", err)
			}
			switch {
			case tt.want != 0 && timeoutErr.Timeout != tt.want:
				t.Errorf("TimeoutError.Timeout = %v, want %v", timeoutErr.Timeout, tt.want)
			case tt.want == 0 && timeoutErr.Timeout >= 300*time.Millisecond:
				t.Errorf("TimeoutError.Timeout = %v, want the time left", timeoutErr.Timeout)
			}
		})
	}
}

func TestStart_Cancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := Start(context.Background(), "blocked", func(ctx context.Context) (int, Teardown, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 0, nil, ctx.Err()
	})
	defer closeHandle(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Errorf("Wait() error = %v, want no *TimeoutError without a deadline", err)
	}
}

func TestStart_TeardownAfterClose(t *testing.T) {
	var tornDown atomic.Bool
	h := Start(context.Background(), "tempfile", func(ctx context.Context) (string, Teardown, error) {
		name := filepath.Join(t.TempDir(), "flyer.json")
		if err := os.WriteFile(name, []byte(`{"name":"Cambridge Brewery"}`), 0o600); err != nil {
			return "", nil, err
		}
		return name, func(context.Context) error {
			tornDown.Store(true)
			return os.Remove(name)
		}, nil
	})

	name, err := h.Output(context.Background())
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if _, err := os.Stat(name); err != nil {
		t.Errorf("file %q is gone before the handle was closed: %v", name, err)
	}
	if tornDown.Load() {
		t.Error("teardown ran before the handle was closed")
	}
	if got := h.State(); got != Ready {
		t.Errorf("State() = %v, want %v", got, Ready)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(name); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file %q still exists after Close: %v", name, err)
	}
	if got := h.State(); got != Finished {
		t.Errorf("State() = %v, want %v", got, Finished)
	}
}

func TestStart_CloseWithoutOutput(t *testing.T) {
	var tornDown atomic.Bool
	h := Start(context.Background(), "unused", func(ctx context.Context) (int, Teardown, error) {
		time.Sleep(50 * time.Millisecond)
		return 1, func(context.Context) error {
			tornDown.Store(true)
			return nil
		}, nil
	})

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !tornDown.Load() {
		t.Error("teardown did not run")
	}
	select {
	case <-h.Exited():
	default:
		t.Error("worker still running after Close")
	}
	// Closing twice is harmless.
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStart_TeardownError(t *testing.T) {
	errCleanup := errors.New("cleanup failed")
	h := Start(context.Background(), "messy", func(ctx context.Context) (int, Teardown, error) {
		return 1, func(context.Context) error { return errCleanup }, nil
	})
	if _, err := h.Output(context.Background()); err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if err := h.Close(); !errors.Is(err, errCleanup) {
		t.Errorf("Close() error = %v, want %v", err, errCleanup)
	}
}

func TestStart_DoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	start := time.Now()
	h := Start(context.Background(), "slow", func(ctx context.Context) (int, Teardown, error) {
		<-release
		return 1, nil, nil
	})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Start() took %v, want it to return immediately", elapsed)
	}
	if got := h.State(); got != Running {
		t.Errorf("State() = %v, want %v", got, Running)
	}
	close(release)
	closeHandle(t, h)
}

func TestStart_Overlap(t *testing.T) {
	sleep := Wrap("sleep", func(ctx context.Context, d time.Duration) (time.Duration, Teardown, error) {
		time.Sleep(d)
		return d, nil, nil
	})

	start := time.Now()
	a := sleep(context.Background(), 200*time.Millisecond)
	defer closeHandle(t, a)
	b := sleep(context.Background(), 300*time.Millisecond)
	defer closeHandle(t, b)

	for _, h := range []*Handle[time.Duration]{a, b} {
		if _, err := h.Output(context.Background()); err != nil {
			t.Fatalf("Output() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed >= 450*time.Millisecond {
		t.Errorf("both tasks took %v, want them to overlap (about 300ms)", elapsed)
	}
}

func closeHandle[T any](t *testing.T, h *Handle[T]) {
	t.Helper()
	if err := h.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
