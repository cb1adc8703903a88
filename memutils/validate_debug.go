//go:build debug_mem_utils

package memutils

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckRange panics if CheckRange fails. This method no-ops unless the debug_mem_utils
// build tag is present.
func DebugCheckRange(offset, count, capacity int) {
	err := CheckRange(offset, count, capacity)
	if err != nil {
		panic(err)
	}
}
