package backend

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"invalid password", &pgconn.PgError{Code: "28P01"}, FailureCredentialsInvalid},
		{"invalid authorization", &pgconn.PgError{Code: "28000"}, FailureCredentialsInvalid},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, FailurePermissionDenied},
		{"connection exception", &pgconn.PgError{Code: "08006"}, FailureUnavailableOrTimeout},
		{"other sqlstate", &pgconn.PgError{Code: "23505"}, FailureUnknown},
		{"short sqlstate", &pgconn.PgError{Code: "x"}, FailureUnknown},
		{"deadline", context.DeadlineExceeded, FailureUnavailableOrTimeout},
		{"canceled", context.Canceled, FailureUnavailableOrTimeout},
		{"bad conn", driver.ErrBadConn, FailureUnavailableOrTimeout},
		{"not initialized", ErrNotInitialized, FailureUnavailableOrTimeout},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, FailureUnavailableOrTimeout},
		{"plain error", errors.New("boom"), FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyUnwrapsPgError(t *testing.T) {
	wrapped := fmt.Errorf("append batch: %w", &pgconn.PgError{Code: "28P01"})
	if got := Classify(wrapped); got != FailureCredentialsInvalid {
		t.Fatalf("wrapped PgError classified as %q", got)
	}
}
