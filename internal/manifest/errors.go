package manifest

import "errors"

var (
	ErrInvalid  = errors.New("invalid build description")
	ErrNotFound = errors.New("build description not found")
)
