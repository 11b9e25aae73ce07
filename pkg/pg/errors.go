package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the pipeline reacts to.
const (
	CodeForeignKeyViolation    = "23503"
	CodeUniqueViolation        = "23505"
	CodeCheckViolation         = "23514"
	CodeNotNullViolation       = "23502"
	CodeQueryCanceled          = "57014"
	CodeObjectNotInPrereqState = "55000"
	CodeFeatureNotSupported    = "0A000"
)

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsForeignKeyViolation(err error) bool {
	return sqlState(err) == CodeForeignKeyViolation
}

// IsConstraintViolation reports unique, check and not-null violations.
func IsConstraintViolation(err error) bool {
	switch sqlState(err) {
	case CodeUniqueViolation, CodeCheckViolation, CodeNotNullViolation:
		return true
	}
	return false
}

// IsStatementTimeout reports a statement cancelled by statement_timeout.
// A caller-side cancellation is not a statement timeout.
func IsStatementTimeout(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == CodeQueryCanceled && strings.Contains(pgErr.Message, "statement timeout")
	}
	return false
}

// IsConnectionLoss reports errors after which the session is unusable.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if code := sqlState(err); len(code) == 5 && strings.HasPrefix(code, "08") {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// CannotRefreshConcurrently reports the errors Postgres returns when a
// concurrent refresh is not possible for a materialized view.
func CannotRefreshConcurrently(err error) bool {
	switch sqlState(err) {
	case CodeObjectNotInPrereqState, CodeFeatureNotSupported:
		return true
	}
	return false
}
