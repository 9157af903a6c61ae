package cache

import "errors"

var (
	ErrNotFound   = errors.New("cache entry not found")
	ErrCorrupt    = errors.New("cache entry corrupt")
	ErrInvalidKey = errors.New("invalid cache key")
)
