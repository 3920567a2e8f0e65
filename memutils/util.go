package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckAligned returns AlignmentError if value is not a multiple of alignment, which must be a power of two
func CheckAligned(value int, alignment uint, name string) error {
	if value&int(alignment-1) != 0 {
		return cerrors.Wrapf(AlignmentError, "%s is %d, which is not a multiple of %d", name, value, alignment)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// MaxAlignment returns the larger of two power-of-two alignments
func MaxAlignment(left, right uint) uint {
	if left > right {
		return left
	}
	return right
}
