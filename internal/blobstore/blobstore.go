// Package blobstore keeps backup payloads outside the database, on the local
// filesystem or in an S3-compatible bucket.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Backend stores opaque payloads by key.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Ping reports whether the backend is reachable and writable.
	Ping(ctx context.Context) error
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidKey)
	case len(key) > 1024:
		return fmt.Errorf("%w: key too long (max 1024 characters)", ErrInvalidKey)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: key must not start with /", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: key must not contain ..", ErrInvalidKey)
	case strings.ContainsAny(key, "\\\x00"):
		return fmt.Errorf("%w: key contains a forbidden character", ErrInvalidKey)
	}
	return nil
}
