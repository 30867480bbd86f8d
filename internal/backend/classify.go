package backend

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// FailureKind classifies a backend call failure. Channel-level errors are
// folded into one of these at the boundary where the call is made.
type FailureKind string

const (
	// FailureNone means the call succeeded.
	FailureNone FailureKind = ""
	// FailureCredentialsInvalid covers authentication/signature failures (SQLSTATE 28xxx).
	FailureCredentialsInvalid FailureKind = "credentials_invalid"
	// FailurePermissionDenied covers grant errors (SQLSTATE 42501).
	FailurePermissionDenied FailureKind = "permission_denied"
	// FailureUnavailableOrTimeout covers network failures, timeouts, and dead connections.
	FailureUnavailableOrTimeout FailureKind = "unavailable_or_timeout"
	// FailureUnknown covers everything else.
	FailureUnknown FailureKind = "unknown"
)

// Classify maps an error from a backend call to a FailureKind.
// Returns FailureNone for nil.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01": // invalid_authorization_specification, invalid_password
			return FailureCredentialsInvalid
		case "42501": // insufficient_privilege
			return FailurePermissionDenied
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" { // connection exceptions
			return FailureUnavailableOrTimeout
		}
		return FailureUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureUnavailableOrTimeout
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, ErrNotInitialized) {
		return FailureUnavailableOrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureUnavailableOrTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureUnavailableOrTimeout
	}

	return FailureUnknown
}
