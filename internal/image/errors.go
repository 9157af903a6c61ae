package image

import (
	"errors"
	"fmt"
)

var (
	ErrArchive = errors.New("invalid image archive")
	ErrNoImage = errors.New("no image for platform")
	ErrVerify  = errors.New("image verification failed")
	ErrPublish = errors.New("image publish failed")
)

// Marks err with sentinel. Both match with errors.Is.
func wrap(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Like wrap, with context between the sentinel and the cause.
func wrapf(sentinel, err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", sentinel, fmt.Sprintf(format, args...), err)
}
