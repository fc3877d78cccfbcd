//go:build !linux

package sys

// Preallocate is a no-op outside linux.
func Preallocate(f Fder, size int64) error {
	return ErrPreallocNotSupported
}
