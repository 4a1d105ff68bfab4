package db

import (
	"errors"
	"fmt"
)

// Common errors returned by DB operations.
var (
	ErrConflict        = errors.New("db: concurrency conflict")
	ErrReadOnly        = errors.New("db: database is read-only")
	ErrInvalidOptions  = errors.New("db: invalid options")
	ErrClosed          = errors.New("db: database is closed")
	ErrBackgroundError = errors.New("db: unrecoverable background error")
	ErrCorruption      = errors.New("db: corruption detected")
	ErrUnknownType     = errors.New("db: unknown entity type")
	ErrTxnSubmitted    = errors.New("db: transaction already submitted")
)

// ConflictError reports a write rejected by optimistic concurrency control.
// It matches ErrConflict with errors.Is.
type ConflictError struct {
	// Key of the entity that failed validation.
	Key string
	// Submitted is the version carried by the rejected write.
	Submitted int64
	// Actual is the version currently stored for Key.
	Actual int64
	// Current is the stored entity. It is shared with the store and must not
	// be modified.
	Current Entity
}

func (e *ConflictError) Error() string {
	if e.Current != nil && e.Current.Deleted() {
		return fmt.Sprintf("db: concurrency conflict on %q: entity is deleted (version %d), submitted version %d must be 0",
			e.Key, e.Actual, e.Submitted)
	}
	return fmt.Sprintf("db: concurrency conflict on %q: submitted version %d, stored version %d",
		e.Key, e.Submitted, e.Actual)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
