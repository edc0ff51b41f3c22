package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// Max returns the larger of two numbers
func Max[T Number](left, right T) T {
	if left > right {
		return left
	}
	return right
}

// Min returns the smaller of two numbers
func Min[T Number](left, right T) T {
	if left < right {
		return left
	}
	return right
}
