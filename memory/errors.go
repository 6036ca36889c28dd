package memory

import (
	"errors"
	"fmt"
)

// Error taxonomy for the memory engine. Callers match with errors.Is and map
// to transport-level responses; the engine itself only wraps these sentinels.
var (
	// ErrNotAuthorized indicates the caller does not own the session or record.
	ErrNotAuthorized = errors.New("memory: not authorized")

	// ErrInvalidInput indicates a missing or malformed identifier.
	ErrInvalidInput = errors.New("memory: invalid input")

	// ErrCapabilityUnavailable indicates the external generation, similarity,
	// or condensation capability failed or timed out.
	ErrCapabilityUnavailable = errors.New("memory: capability unavailable")

	// ErrStoreUnavailable indicates a persistence layer failure.
	ErrStoreUnavailable = errors.New("memory: store unavailable")

	// ErrBusy indicates the per-key lock could not be acquired within the
	// configured wait. The operation is retryable.
	ErrBusy = errors.New("memory: busy")
)

// storeErr wraps a database failure so callers can match ErrStoreUnavailable
// while keeping the underlying cause in the chain.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// capabilityErr wraps an external capability failure.
func capabilityErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrCapabilityUnavailable, err))
}
