package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfRangeError is returned from CheckRange when a range does not fit inside its container
var OutOfRangeError error = errors.New("range does not fit inside its container")

// CheckRange verifies that [offset, offset+count) is a non-empty range inside [0, capacity).
func CheckRange(offset, count, capacity int) error {
	if offset < 0 || count <= 0 || offset+count > capacity {
		return errors.Wrapf(OutOfRangeError, "offset %d count %d capacity %d", offset, count, capacity)
	}
	return nil
}
