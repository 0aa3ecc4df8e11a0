// Package client is the device-side sync engine: enumeration of
// pending rows, the HTTP transport to the central server, the
// tier-ordered upload/download orchestrator, and the dependency queue
// for records that arrive before their foreign-key prerequisites.
package client

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInProgress is returned when a sync is requested while
	// another one is running on this device.
	ErrAlreadyInProgress = errors.New("sync already in progress")

	// ErrNetworkUnreachable means the transport failed before any
	// response arrived. Retryable.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrRequestTimeout means the per-request deadline expired.
	// Retryable.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrQueueExhausted means a dependency-queue item hit its retry
	// limit and needs operator attention.
	ErrQueueExhausted = errors.New("dependency queue retries exhausted")
)

// ServerError carries a non-2xx response. The message is the
// server-supplied error body when present, the status phrase otherwise.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.Status, e.Message)
}
