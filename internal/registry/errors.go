package registry

import "errors"

var (
	// ErrNotFound covers ids that never existed, expired, or were evicted.
	// Callers cannot and should not tell these apart.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidID is returned by ParseID for ids that are not canonical UUIDs.
	ErrInvalidID = errors.New("invalid file id")

	// ErrPersistence wraps metadata or content storage failures.
	ErrPersistence = errors.New("persistence failure")

	errStorageKeyMissing = errors.New("storage key missing")
)
