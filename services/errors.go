package services

import (
	"errors"
	"fmt"

	"dataset-catalog/storage"
)

// Fehlerklassen der Services. Die HTTP-Schicht bildet sie mit errors.Is auf Statuscodes ab.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
	ErrStorage    = errors.New("storage failure")
)

// storageError übersetzt Fehler aus dem storage-Paket.
func storageError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	case errors.Is(err, storage.ErrDuplicateKey):
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	}
	return fmt.Errorf("%s: %w: %v", msg, ErrStorage, err)
}
