package state

import (
	"context"
	"errors"
	"time"

	"twistbridge/internal/domain"
)

var (
	// ErrNotFound indicates absent key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the key already exists or the revision moved.
	ErrConflict = errors.New("revision conflict")
)

// StoreError wraps backend failures; the delivery path retries them with backoff.
type StoreError struct {
	Op  string
	Err error
}

// Error returns operation-prefixed message.
// Params: none.
// Returns: error text.
func (e *StoreError) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes backend error.
// Params: none.
// Returns: wrapped error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err came from an unavailable backend.
// Params: candidate error.
// Returns: true when a StoreError is in the chain.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// DedupStore remembers accepted delivery ids for a retention horizon.
// Forget releases an id whose delivery was never queued.
// Params: delivery id and sweep instant.
// Returns: first-seen decision or backend error.
type DedupStore interface {
	Accept(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
	SweepDedup(ctx context.Context, now time.Time) (int, error)
}

// BindingStore maps incident keys onto chat threads.
// Params: incident key and binding payloads.
// Returns: binding lookups and CAS-style mutations.
type BindingStore interface {
	GetBinding(ctx context.Context, incidentKey string) (domain.ThreadBinding, error)
	CreateBinding(ctx context.Context, binding domain.ThreadBinding) (domain.ThreadBinding, error)
	CloseBinding(ctx context.Context, incidentKey string, closedAt time.Time) error
	SweepClosedBindings(ctx context.Context, closedBefore time.Time) (int, error)
}

// Store is the service's long-lived mutable state.
// Params: dedup and binding operations.
// Returns: backend persistence behavior.
type Store interface {
	DedupStore
	BindingStore
	Close() error
}
