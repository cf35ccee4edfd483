package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMapErrorClassification(t *testing.T) {
	m := NewDefaultErrorMapper()

	cases := []struct {
		in   error
		want error
	}{
		{errors.New("open /x: no such file or directory"), ErrNotFound},
		{errors.New("mkdir /etc/app: permission denied"), ErrPermissionDenied},
		{errors.New("signal: killed"), ErrTimeout},
		{errors.New("429 too many requests"), ErrTransient},
		{errors.New("connection refused"), ErrTransient},
		{errors.New("400 bad request"), ErrInvalidInput},
		{errors.New("something inexplicable"), ErrInternal},
	}

	for _, tc := range cases {
		got := m.MapError(tc.in)
		if !errors.Is(got, tc.want) {
			t.Errorf("MapError(%q) = %v, want category %v", tc.in, got, tc.want)
		}
	}
}

func TestMapErrorCancellationPassthrough(t *testing.T) {
	m := NewDefaultErrorMapper()

	wrapped := fmt.Errorf("run: %w", context.Canceled)
	if got := m.MapError(wrapped); !errors.Is(got, context.Canceled) {
		t.Errorf("Expected cancellation preserved, got %v", got)
	}
	if got := m.MapError(context.DeadlineExceeded); !errors.Is(got, ErrTimeout) {
		t.Errorf("Expected deadline mapped to timeout, got %v", got)
	}
}

func TestMapErrorNil(t *testing.T) {
	if got := NewDefaultErrorMapper().MapError(nil); got != nil {
		t.Errorf("Expected nil passthrough, got %v", got)
	}
}

func TestCategory(t *testing.T) {
	m := NewDefaultErrorMapper()

	if got := m.Category(QueueFull("pool saturated")); got != "ErrQueueFull" {
		t.Errorf("Expected ErrQueueFull, got %s", got)
	}
	if got := m.Category(errors.New("mystery")); got != "Unknown" {
		t.Errorf("Expected Unknown, got %s", got)
	}
	if got := m.Category(nil); got != "" {
		t.Errorf("Expected empty category for nil, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transient("rate limited")) {
		t.Error("Expected transient errors retryable")
	}
	if !IsRetryable(QueueFull("full")) {
		t.Error("Expected queue exhaustion retryable")
	}
	if IsRetryable(Aborted("user abort")) {
		t.Error("Expected aborts not retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("Expected cancellation not retryable")
	}
	if IsRetryable(nil) {
		t.Error("Expected nil not retryable")
	}
}

func TestWrapHelpers(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Expected Wrap(nil) to stay nil")
	}

	err := Wrap(ErrNotFound, "load checkpoint")
	if !errors.Is(err, ErrNotFound) {
		t.Error("Expected wrapped error to keep its category")
	}

	err = WrapWithCategory(errors.New("disk io"), "persist", ErrInternal)
	if !IsCategory(err, ErrInternal) {
		t.Error("Expected category attached")
	}
	if IsCategory(nil, ErrInternal) {
		t.Error("Expected nil to match no category")
	}
}
