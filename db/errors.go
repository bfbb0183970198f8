package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
)

// IsUnavailable reports whether err means the backend could not be reached
// or no pooled connection became free in time. Constraint violations and
// other statement errors return false.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
