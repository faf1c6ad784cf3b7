package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

// IsTransient classifies a store error as worth retrying. Transient means
// the cause (timeout, lost connection, resource pressure, serialization
// conflict) is expected to resolve on retry. A uniqueness violation is
// always permanent: retrying it would just lose the race again, and the
// caller translates it to the duplicate path instead. Wrapped causes are
// unwrapped, so a transient error nested inside another stays transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return false
		}
		switch pqErr.Code.Class() {
		case "08", // connection exceptions
			"53", // insufficient resources
			"57": // operator intervention (shutdown, crash recovery)
			return true
		}
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
