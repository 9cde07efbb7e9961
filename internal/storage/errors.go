package storage

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Common storage errors
var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateFingerprint = errors.New("duplicate submission fingerprint")
	ErrConflict             = errors.New("claim status conflict")
	ErrInvalidTransition    = errors.New("invalid claim transition")
)

const pgDuplicateKeyCode = "23505"

// mapError translates driver errors to storage errors. sql.ErrNoRows becomes
// notFoundErr and unique violations from either backend become duplicateErr.
// Other errors are returned unchanged.
func mapError(err error, notFoundErr, duplicateErr error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return notFoundErr
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return duplicateErr
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return duplicateErr
	}

	return err
}
