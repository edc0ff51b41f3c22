package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 if the number being tested is not a positive power of two
var PowerOfTwoError error = errors.New("number must be a power of two")
