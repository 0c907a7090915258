package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the failure taxonomy. Callers match with errors.Is.
var (
	// ErrNotFound: the row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: an integrity constraint was violated.
	ErrConflict = errors.New("conflict")
	// ErrStorage: disk or driver failure.
	ErrStorage = errors.New("storage error")
)

// mapErr converts driver errors into the sentinel taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isConstraintViolation(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return wrapStorage(err)
	}
}

func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// isConstraintViolation detects SQLite constraint failures. The modernc
// driver surfaces them as "constraint failed" message text; matching on the
// message avoids importing driver internals.
func isConstraintViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint")
}
