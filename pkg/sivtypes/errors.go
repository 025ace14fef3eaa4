package sivtypes

import (
	"errors"
)

var (
	// chunk/file/layer/path absent. recoverable: surfaced to the caller as a
	// 404-equivalent, never retried blindly
	ErrNotFound = errors.New("not found")

	// checksum or size mismatch on read. storage-layer bug or tampering.
	// surfaced as-is, never silently repaired
	ErrCorrupt = errors.New("corrupt: checksum or size mismatch")

	// a compare-and-set (build claim) lost a race. the caller should retry with a
	// different unit of work; not an error to the end user
	ErrConflict = errors.New("conflict: lost optimistic concurrency race")

	// operation attempted against a record in the wrong state, e.g. finalizing a
	// layer that is not building. ordering/programming error
	ErrInvalidState = errors.New("invalid state")

	ErrBadBlobRef = errors.New("bad blob ref")
)
