package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/perchlabs/perch/internal/storage"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to the storage sentinel so callers get consistent
// not-found handling.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
