package store

import "errors"

var (
	// ErrNotFound is returned when no row exists for the requested id.
	ErrNotFound = errors.New("shopping list not found")

	// ErrOperationNotFound is returned for missing sync-queue operations.
	ErrOperationNotFound = errors.New("sync operation not found")

	// ErrBackupNotFound is returned when an entry has no stored backups.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrSessionNotFound is returned when no session row exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnavailable is returned when the storage engine cannot be
	// reached or opened. Callers degrade gracefully (skip caching)
	// instead of crashing.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrQuotaExceeded is returned when the storage engine refuses a
	// write for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// IsStorageFailure reports whether err is an environmental storage
// failure rather than a domain condition like ErrNotFound.
func IsStorageFailure(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrQuotaExceeded)
}
