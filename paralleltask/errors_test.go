package paralleltask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestToRemote(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *RemoteError
	}{
		{
			name: "nil",
			err:  nil,
			want: nil,
		},
		{
			name: "plain",
			err:  io.EOF,
			want: &RemoteError{Type: "*errors.errorString", Message: "EOF"},
		},
		{
			name: "wrapped",
			err:  fmt.Errorf("read config: %w", io.EOF),
			want: &RemoteError{
				Type:    "*fmt.wrapError",
				Message: "read config: EOF",
				Cause:   &RemoteError{Type: "*errors.errorString", Message: "EOF"},
			},
		},
		{
			name: "joined",
			err:  errors.Join(io.EOF, io.ErrUnexpectedEOF),
			want: &RemoteError{
				Type:    "*errors.joinError",
				Message: "EOF\nunexpected EOF",
				Cause:   &RemoteError{Type: "*errors.errorString", Message: "EOF"},
			},
		},
		{
			name: "already remote",
			err:  &RemoteError{Type: "custom", Message: "kept"},
			want: &RemoteError{Type: "custom", Message: "kept"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toRemote(tt.err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("toRemote() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRemoteError_Unwrap(t *testing.T) {
	r := toRemote(fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", io.EOF)))

	var chain []string
	for err := error(r); err != nil; err = errors.Unwrap(err) {
		chain = append(chain, err.Error())
	}
	want := []string{"outer: inner: EOF", "inner: EOF", "EOF"}
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Errorf("unwrapped chain mismatch (-want +got):\n%s", diff)
	}
}

func TestTimeoutError(t *testing.T) {
	err := error(&TimeoutError{Task: "database", Timeout: 90 * time.Second})
	if got, want := err.Error(), "database failed to complete within 1m30s"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("TimeoutError does not match context.DeadlineExceeded")
	}
}

func TestPanicError_Unwrap(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  error
	}{
		{name: "error", value: io.EOF, want: io.EOF},
		{name: "string", value: "oops", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newPanicError(tt.value)
			if got := err.Unwrap(); got != tt.want {
				t.Errorf("Unwrap() = %v, want %v", got, tt.want)
			}
			if len(err.Stack) == 0 {
				t.Error("Stack is empty")
			}
		})
	}
}
