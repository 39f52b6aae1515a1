package service

import (
	"github.com/ignatij/leaseflow/pkg/storage"
	"github.com/pkg/errors"
)

// withTx runs fn inside a transaction, rolling back when fn fails and
// committing otherwise. A failed commit is returned as the error.
func withTx(store storage.Store, logger Logger, op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return errors.Wrapf(err, "begin transaction for %s", op)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback %s after error: %v (original error: %v)", op, rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit %s: %v", op, commitErr)
			err = commitErr
		}
	}()

	return fn(txStore)
}
