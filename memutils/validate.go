package memutils

import "github.com/pkg/errors"

// Validatable is implemented by every bookkeeping structure that can check its own
// internal consistency. DebugValidate and ValidateAll act on it.
type Validatable interface {
	Validate() error
}

// ValidateAll runs Validate on each item in order and returns the first failure, annotated
// with the index of the item that produced it.
func ValidateAll[T Validatable](items ...T) error {
	for index, item := range items {
		if err := item.Validate(); err != nil {
			return errors.Wrapf(err, "item %d failed validation", index)
		}
	}
	return nil
}
