//go:build !unix

package sys

import (
	"errors"
	"time"
)

var ErrLocked = errors.New("lock is held by another process")

// AcquireOSFileLock is a no-op where flock is unavailable.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	return func() error { return nil }, nil
}
