package redis

import "errors"

// Redis-specific errors.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("redis: key not found")
)
