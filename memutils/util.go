package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~int64 | ~uint | ~uint64
}

// CheckPow2 verifies that number is a power of two, returning a wrapped PowerOfTwoError
// (tagged with name) otherwise.
func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment.
func AlignUp(value int, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the nearest multiple of alignment.
func AlignDown(value int, alignment int) int {
	return value &^ (alignment - 1)
}
