package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrPermissionDenied - blocked by the current execution mode or an explicit denial
	ErrPermissionDenied = errors.New("permission denied")

	// ErrApprovalRequired - the tool needs user approval before it may run
	ErrApprovalRequired = errors.New("approval required")

	// ErrApprovalRejected - the user (or the approval port) rejected the request
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrQueueFull - the pool wait queue is at capacity; callers should back off
	ErrQueueFull = errors.New("queue full")

	// ErrTimeout - a queue wait, command, or interpreter exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrAborted - the action was aborted before or during execution
	ErrAborted = errors.New("aborted")

	// ErrNotFound - resource not found (unknown action, checkpoint, task)
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput - malformed request (unknown action type, bad trigger spec)
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient - transient failure; safe to retry with backoff
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error; not caller-recoverable
	ErrInternal = errors.New("internal error")
)
