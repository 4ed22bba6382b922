package earthstar

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for expected conditions. Test with errors.Is.
var (
	// ErrNotFound is returned when a document or attachment that is
	// required to exist is not present.
	ErrNotFound = errors.New("not found")

	// ErrReplicaClosed is returned by every operation on a closed replica,
	// and by a second Close.
	ErrReplicaClosed = errors.New("replica is closed")

	// ErrCacheClosed is the analogous error for query caches.
	ErrCacheClosed = errors.New("replica cache is closed")

	// ErrNotSupported is returned when a format does not implement a
	// requested capability, such as attachments on es.4.
	ErrNotSupported = errors.New("not supported")
)

// ValidationError reports a document, address, path, timestamp, query,
// or signature that violates a rule. The reason names the failing rule.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// Validationf produces a ValidationError with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError tells whether any error in err's chain is a
// ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// StorageError wraps a lower-level failure from a document or attachment
// driver. The replica never surfaces raw back-end errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storagef wraps err as a StorageError for the named operation.
// A nil err produces nil.
func Storagef(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
