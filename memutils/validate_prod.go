//go:build !debug_mem_utils

package memutils

// DebugMargin is the number of canary bytes written after a payload's usable bytes when the
// debug_mem_utils build tag is present. Zero in production builds.
const DebugMargin int = 0

// WriteMagicValue no-ops unless built with the debug_mem_utils tag.
func WriteMagicValue(heap []byte, offset int) {}

// ValidateMagicValue always reports true unless built with the debug_mem_utils tag.
func ValidateMagicValue(heap []byte, offset int) bool { return true }
