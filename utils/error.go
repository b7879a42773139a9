package utils

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorSafetyBlocked aborts a live disbursement when real payments are not enabled.
var ErrorSafetyBlocked = errors.New("real payments are not enabled")

// ErrorConflict signals a unique-code collision in directory data.
var ErrorConflict = errors.New("duplicate code")

// ErrorPeriodLocked means another disbursement already holds the period lock.
var ErrorPeriodLocked = errors.New("another disbursement for this period is in progress")

// IsDuplicateKeyErr reports whether err is a MySQL unique-constraint violation.
// Racing inserts on the idempotency key rely on this to fall back to the
// duplicate-lookup path instead of surfacing a raw conflict.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
