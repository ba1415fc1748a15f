package poolz

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestError(t *testing.T) {
	t.Run("Formats Path Kind And Worker", func(t *testing.T) {
		err := &Error[int]{
			Err:      errors.New("underlying"),
			Path:     []Name{"my-pool"},
			Kind:     KindUserFunction,
			WorkerID: 3,
		}
		msg := err.Error()
		for _, want := range []string{"my-pool", "user function error", "worker 3", "underlying"} {
			if !strings.Contains(msg, want) {
				t.Errorf("expected %q in %q", want, msg)
			}
		}
	})

	t.Run("Nil Error Formats Safely", func(t *testing.T) {
		var err *Error[int]
		if err.Error() != "<nil>" {
			t.Errorf("expected <nil>, got %q", err.Error())
		}
		if err.Unwrap() != nil {
			t.Error("expected nil unwrap")
		}
	})

	t.Run("Unwrap Exposes The Cause", func(t *testing.T) {
		cause := errors.New("root cause")
		err := &Error[string]{Err: cause, Path: []Name{"p"}, Kind: KindInit}
		if !errors.Is(err, cause) {
			t.Error("expected errors.Is to reach the cause")
		}
	})

	t.Run("Detects Timeout And Cancellation", func(t *testing.T) {
		timeoutErr := &Error[int]{Err: context.DeadlineExceeded, Timeout: true, Duration: time.Second}
		if !timeoutErr.IsTimeout() {
			t.Error("expected timeout detection")
		}
		cancelErr := &Error[int]{Err: context.Canceled, Kind: KindCancelled, Canceled: true}
		if !cancelErr.IsCanceled() {
			t.Error("expected cancellation detection")
		}
		plain := &Error[int]{Err: errors.New("plain"), Kind: KindUserFunction}
		if plain.IsTimeout() || plain.IsCanceled() {
			t.Error("expected plain error to be neither timeout nor canceled")
		}
	})

	t.Run("Kind Names Are Stable", func(t *testing.T) {
		want := map[Kind]string{
			KindInvalidArgument: "invalid argument",
			KindUserFunction:    "user function error",
			KindInit:            "init error",
			KindExit:            "exit error",
			KindWorkerCrash:     "worker crash",
			KindCancelled:       "cancelled",
			KindInternal:        "internal error",
		}
		for kind, name := range want {
			if kind.String() != name {
				t.Errorf("kind %d: expected %q, got %q", kind, name, kind.String())
			}
		}
	})
}

func TestPanicHelpers(t *testing.T) {
	t.Run("Sanitizes Panic Messages", func(t *testing.T) {
		msg := sanitizePanicMessage("line one\nline two\ttabbed")
		if strings.ContainsAny(msg, "\n\t") {
			t.Errorf("expected sanitized message, got %q", msg)
		}
		long := strings.Repeat("x", 1000)
		if got := sanitizePanicMessage(long); len(got) > 300 {
			t.Errorf("expected bounded message, got %d bytes", len(got))
		}
	})
}
