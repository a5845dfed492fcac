package storage

import (
	"errors"
	"fmt"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrKeyExists    = errors.New("object already exists")
	ErrInvalidKey   = errors.New("invalid storage key")
	ErrTooLarge     = errors.New("object exceeds maximum size")
	ErrAccessDenied = errors.New("access denied")
)

// StorageError records the operation and key of a failed archive call.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsKeyExists(err error) bool  { return errors.Is(err, ErrKeyExists) }
func IsInvalidKey(err error) bool { return errors.Is(err, ErrInvalidKey) }
func IsTooLarge(err error) bool   { return errors.Is(err, ErrTooLarge) }

// ToDomain converts an archive failure into the application error the
// handlers render. Anything unrecognised is internal.
func ToDomain(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case IsNotFound(err):
		return &domain.Error{Code: domain.ENOTFOUND, Message: "The archived file no longer exists.", Op: op, Err: err}
	case IsTooLarge(err):
		return &domain.Error{Code: domain.ETOOLARGE, Message: "The file is too large to archive.", Op: op, Err: err}
	case IsInvalidKey(err):
		return &domain.Error{Code: domain.EINVALID, Message: "Invalid archive key.", Op: op, Err: err}
	default:
		return domain.Internal(err, op, "archive operation failed")
	}
}
