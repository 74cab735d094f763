package internal

import (
	"math"

	"github.com/cockroachdb/errors"
)

var ErrIntOverflow = errors.New("length overflows int")

// WithStacks attaches a stack trace to err at the caller's frame and passes t
// through, so two-value returns can be wrapped in one line.
func WithStacks[T any](t T, err error) (T, error) {
	//nolint:wrapcheck
	return t, errors.WithStackDepth(err, 1)
}

func Uint64ToInt(u uint64) (int, error) {
	if u > math.MaxInt {
		return 0, errors.WithStack(ErrIntOverflow)
	}
	return int(u), nil
}
