package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument indicates input rejected before any write.
	ErrInvalidArgument = errors.New("invalid argument")
)
