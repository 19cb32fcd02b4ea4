package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

// MySQL server error numbers worth another attempt.
const (
	mysqlTooManyConnections = 1040
	mysqlServerShutdown     = 1053
	mysqlLockWaitTimeout    = 1205
	mysqlDeadlock           = 1213
)

// IsRetryable reports whether a store error is transient: lost or refused
// connections, deadlocks, lock timeouts and server shutdowns. Schema,
// constraint and syntax errors are final.
func IsRetryable(err error) bool {
	if !tracker.IsRetryable(err) || errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrUnknownDialect) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || // connection exception
			pgErr.Code == "40001" || // serialization_failure
			pgErr.Code == "40P01" || // deadlock_detected
			pgErr.Code == "53300" || // too_many_connections
			pgErr.Code == "55P03" || // lock_not_available
			pgErr.Code == "57P01" || // admin_shutdown
			pgErr.Code == "57P03" // cannot_connect_now
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlTooManyConnections, mysqlServerShutdown, mysqlLockWaitTimeout, mysqlDeadlock:
			return true
		default:
			return false
		}
	}

	var netErr net.Error

	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) ||
		pgconn.SafeToRetry(err) ||
		pgconn.Timeout(err)
}
