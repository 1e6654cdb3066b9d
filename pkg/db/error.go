package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a uniqueness-constraint violation.
// The duplicate-key signal is load-bearing for idempotency: callers treat it
// as "someone else already won", never as a fault.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (SQLSTATE 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (SQLITE_CONSTRAINT_UNIQUE)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}
