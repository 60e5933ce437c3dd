package errors

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// FromDB classifies a storage failure. Connection-level failures become
// KindDatabaseUnavailable, missing rows become KindDataNotInDatabase and
// anything else is returned unchanged.
func FromDB(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: KindDataNotInDatabase, Cause: err}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return DatabaseUnavailable(err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return DatabaseUnavailable(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) {
			return DatabaseUnavailable(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return DatabaseUnavailable(err)
	}
	return err
}
