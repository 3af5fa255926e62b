package operation

import (
	"sync"
	"sync/atomic"
)

// CancellationToken is a cooperative cancellation flag tied to one in-flight
// execution. The domain function polls it at unit boundaries; it is never
// persisted and dies with the execution.
type CancellationToken struct {
	operationID string
	cancelled   atomic.Bool

	mu     sync.Mutex
	reason string
}

// NewCancellationToken creates a token for the given operation.
func NewCancellationToken(operationID string) *CancellationToken {
	return &CancellationToken{operationID: operationID}
}

// OperationID returns the operation this token belongs to.
func (t *CancellationToken) OperationID() string {
	return t.operationID
}

// Cancel sets the flag. The first reason wins; later calls are no-ops.
func (t *CancellationToken) Cancel(reason string) {
	if t.cancelled.Swap(true) {
		return
	}
	t.mu.Lock()
	t.reason = reason
	t.mu.Unlock()
}

// Cancelled reports whether cancellation was requested.
func (t *CancellationToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Reason returns the cancellation reason, empty if not cancelled.
func (t *CancellationToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}
