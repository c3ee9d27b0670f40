package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
)

var (
	// ErrTimeout reports that the statement exceeded its execution bound. The
	// in-flight driver call is cancelled before this is returned.
	ErrTimeout = errors.New("statement timed out")

	// ErrConnectionFailed reports a network or authentication level failure
	// talking to the backend.
	ErrConnectionFailed = errors.New("connection failed")
)

// DriverError wraps an engine-reported SQL error (unknown column, syntax
// error past validation, and so on). Reported verbatim, never retried.
type DriverError struct {
	Err error
}

func (e *DriverError) Error() string { return e.Err.Error() }

func (e *DriverError) Unwrap() error { return e.Err }

// isConnectionFailure classifies errors that are worth a single retry:
// transport-level failures where the statement never ran to completion. All
// statements here are read-only, so one retry is safe.
func isConnectionFailure(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"failed to connect",
		"no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
