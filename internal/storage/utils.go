package storage

import (
	"database/sql"
	"fmt"

	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// IsUniqueViolation reports whether err came from a unique index, either
// straight from the driver or already mapped to storage.ErrDuplicateKey.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrDuplicateKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return false
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) && !errors.Is(err, storage.ErrDuplicateKey) {
		return errors.Wrap(storage.ErrDuplicateKey, err.Error())
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// limitClause renders LIMIT against the nth placeholder. A NULL limit
// means no limit in Postgres.
func limitClause(n int) string {
	return fmt.Sprintf("LIMIT $%d", n)
}

func nullableLimit(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
