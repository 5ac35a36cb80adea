package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed job payloads and invalid caller arguments.
	ErrValidation = errors.New("jobs validation error")
	// ErrNotFound classifies missing logical resources (for example an unknown DLQ message id).
	ErrNotFound = errors.New("jobs not found")
	// ErrStore classifies failures of the underlying message store.
	ErrStore = errors.New("jobs store error")
	// ErrNotInitialized classifies missing service/worker initialization.
	ErrNotInitialized = errors.New("jobs not initialized")
	// ErrShutdownTimeout is returned by Worker.Stop when the in-flight job outlives the stop bound.
	ErrShutdownTimeout = errors.New("jobs worker shutdown timed out")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// StoreError wraps a message store failure with the operation and queue that failed.
type StoreError struct {
	Op    string
	Queue string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("%s: %s failed: %v", ErrStore, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s on queue %q failed: %v", ErrStore, e.Op, e.Queue, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrStore so callers can classify without unwrapping to the cause.
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func storeError(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Queue: queue, Err: err}
}

// HandlerPanicError is produced when a job handler panics.
type HandlerPanicError struct {
	Value any
	Stack []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("panic while handling job: %v", e.Value)
}
