package build

import (
	"errors"
	"fmt"
)

// Failure categories of a run. Every [StageError] carries one of these as
// its kind.
var (
	ErrRecipe          = errors.New("recipe generation failed")
	ErrDependencyBuild = errors.New("dependency build failed")
	ErrCompile         = errors.New("compilation failed")
	ErrAssembly        = errors.New("assembly failed")
)

var (
	ErrStaging             = errors.New("file staging failed")
	ErrCopy                = errors.New("copy failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// Marks err with sentinel. Both match with errors.Is.
func wrap(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Like wrap, with context between the sentinel and the cause.
func wrapf(sentinel, err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", sentinel, fmt.Sprintf(format, args...), err)
}
