package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgconn"
)

// Connection provider failures. All of them wrap ErrConnectionUnavailable.
var (
	ErrConnectionUnavailable = errors.New("connection unavailable")

	ErrAuthenticationFailed = fmt.Errorf("%w: authentication failed", ErrConnectionUnavailable)
	ErrDatabaseNotFound     = fmt.Errorf("%w: database not found", ErrConnectionUnavailable)
	ErrConnectionFailed     = fmt.Errorf("%w: connection failed", ErrConnectionUnavailable)
)

var (
	// ErrPersistenceFailure marks a write or delete that failed after a
	// connection was established. The surrounding transaction is rolled back.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrInvalidArgument marks query input that fails type or range checks.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsConnectionError reports whether err came from the connection provider.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable)
}

// IsPersistenceError reports whether err is a failed write or delete.
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistenceFailure)
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op, err)
}

// classifyPostgresError maps a connect or ping failure to one of the
// connection provider kinds using the server's SQLSTATE.
func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01":
			return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		case "3D000":
			return fmt.Errorf("%w: %w", ErrDatabaseNotFound, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

// classifySQLiteError maps an open failure. A missing parent directory
// means the database can never be created, so it counts as not found.
func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrDatabaseNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}
