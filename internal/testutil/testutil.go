// Package testutil holds channel and logging helpers shared by tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// T is the subset of testing.TB the helpers need.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the test.
//
//	cue := testutil.RequireReceive(t, sub.C, time.Second, "waiting for cue")
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, msgAndArgs ...any) V {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch yields a value (or is closed) right
// now. It does not wait: fan-out delivery is synchronous, so a cue that is
// not already buffered will not arrive later.
func RequireNoReceive[V any](t T, ch <-chan V, msgAndArgs ...any) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel unexpectedly closed: %s", formatMessage(msgAndArgs))
		}
		t.Fatalf("unexpected value %v: %s", v, formatMessage(msgAndArgs))
	default:
	}
}

// RequireClosed waits for ch to be closed within timeout, draining any
// buffered values first.
func RequireClosed[V any](t T, ch <-chan V, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out after %v waiting for close: %s", timeout, formatMessage(msgAndArgs))
		}
	}
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
