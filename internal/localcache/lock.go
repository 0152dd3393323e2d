package localcache

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nightlyone/lockfile"
)

// withLock serializes writers to the same hash key via an advisory lockfile
//. Acquisition retries with exponential
// backoff, since a competing writer is expected to hold the lock only for the
// brief window of an atomic rename.
func (c *Cache) withLock(hash string, fn func() error) error {
	if err := c.layout.locksDir().MkdirAll(0755); err != nil {
		return err
	}

	path := c.layout.lockPath(hash)
	lock, err := lockfile.New(path.ToString())
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(func() error { return lock.TryLock() }, policy); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}
