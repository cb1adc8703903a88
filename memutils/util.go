package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// NextCapacity returns the capacity a growing buffer should move to when it must hold at
// least required units: double the current capacity, or exactly required if doubling
// falls short.
func NextCapacity(current, required int) int {
	if required <= current {
		return current
	}

	doubled := current * 2
	if doubled < required {
		return required
	}
	return doubled
}
