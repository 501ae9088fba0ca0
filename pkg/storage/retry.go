package storage

import (
	"errors"
	"time"

	"github.com/PKell33/ownprem-sub002/pkg/types"
	bolt "go.etcd.io/bbolt"
)

const (
	retryAttempts = 5
	retryBaseWait = 50 * time.Millisecond
)

// withRetry runs fn, retrying a bounded number of times with linear
// backoff when the store reports contention. Callers above the store never
// handle busy errors directly; after exhaustion the error surfaces as BUSY.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(retryBaseWait * time.Duration(attempt+1))
	}
	return types.Wrap(types.KindBusy, err, "store busy after %d attempts", retryAttempts)
}

func isBusy(err error) bool {
	return errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseOpen)
}
