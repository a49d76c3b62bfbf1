package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates the worker executable or script could not be
	// resolved. It is fatal at Initialize and never retried automatically.
	ErrConfig = errors.New("worker configuration invalid")

	// ErrHandshakeTimeout indicates the worker did not send ready within
	// the startup window.
	ErrHandshakeTimeout = errors.New("timed out waiting for worker ready")

	// ErrChannelWrite indicates a write to the worker's stdin failed.
	ErrChannelWrite = errors.New("writing to worker")

	// ErrRequestTimeout indicates a single request timed out locally. Only
	// that caller fails; manager state is unaffected.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRestartExhausted indicates the bounded restart policy ran out of
	// attempts. The manager stays in the error state until Initialize is
	// called explicitly.
	ErrRestartExhausted = errors.New("worker restart attempts exhausted")

	// ErrStopped indicates the manager was stopped while the call was in
	// flight.
	ErrStopped = errors.New("worker manager stopped")

	// ErrTransportClosed indicates a write was attempted on a torn-down
	// channel.
	ErrTransportClosed = errors.New("worker transport closed")
)

// RequestError is a per-request failure reported by the worker (an error
// message carrying a requestId). It settles only the originating caller.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("worker rejected request: %s", e.Message)
}

// WorkerFailure is a manager-level failure: the worker reported a global
// error, crashed, or the channel broke. All pending callers are rejected
// with it.
type WorkerFailure struct {
	Reason string
	Err    error
}

func (e *WorkerFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("worker failed: %s", e.Reason)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }
