//go:build !debug_mem_utils

package memutils

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckRange panics if CheckRange fails. This method no-ops unless the debug_mem_utils
// build tag is present.
func DebugCheckRange(offset, count, capacity int) {
}
