package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgErrCodeSerializationFailure = "40001"
	pgErrCodeDeadlockDetected     = "40P01"
	pgErrCodeLockNotAvailable     = "55P03"
	pgErrCodeQueryCanceled        = "57014"
)

// IsTransient は再実行で解消しうるエラーかどうかを判定します
// (serialization_failure, deadlock_detected, lock_not_available, query_canceled)
func IsTransient(err error) bool {
	return hasCode(err,
		pgErrCodeSerializationFailure,
		pgErrCodeDeadlockDetected,
		pgErrCodeLockNotAvailable,
		pgErrCodeQueryCanceled,
	)
}

func hasCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}
