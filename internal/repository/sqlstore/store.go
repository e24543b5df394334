// Package sqlstore implements the repository contracts on top of sqlx. The
// same queries serve postgres and sqlite3; placeholders are rebound per driver.
package sqlstore

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sagaler1/v-chatbot/internal/repository"
)

func storeErr(op string, err error) error {
	return &repository.StoreError{Op: op, Err: errors.WithStack(err)}
}

func now() time.Time {
	return time.Now().UTC()
}

func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}
