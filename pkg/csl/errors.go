package csl

import "errors"

var (
	// ErrInvalidArgs means a config or parameter was out of range.
	ErrInvalidArgs = errors.New("csl: invalid arguments")

	// ErrNotSynchronized means the neighbor carries no usable CSL schedule.
	ErrNotSynchronized = errors.New("csl: neighbor not synchronized")
)
