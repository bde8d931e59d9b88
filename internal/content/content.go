// Package content stores the raw bytes of relayed files under opaque
// storage keys. Keys are produced by the sanitizer and never derived from
// client input.
package content

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned by Open when no object exists for the key.
	ErrNotFound = errors.New("content not found")

	// ErrInvalidKey rejects keys that could escape the storage root.
	ErrInvalidKey = errors.New("invalid storage key")
)

const maxKeyLen = 128

// Store is a flat key to bytes mapping.
type Store interface {
	// Put streams r into key and returns the number of bytes written.
	// A failed Put leaves nothing behind under key.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open returns a streaming reader; the caller must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ValidKey accepts lower-case alphanumerics and dots only, with no leading
// dot and no "..".
func ValidKey(key string) error {
	if key == "" || len(key) > maxKeyLen || key[0] == '.' {
		return ErrInvalidKey
	}
	prevDot := false
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			prevDot = false
		case c == '.':
			if prevDot {
				return ErrInvalidKey
			}
			prevDot = true
		default:
			return ErrInvalidKey
		}
	}
	return nil
}
