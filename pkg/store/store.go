// Package store defines the local object store the SDK caches provisioning
// info, session credentials and the person profile in. Values are opaque to
// the store; callers serialize before writing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound reports a key that has never been written (or was deleted).
// SDK callers treat it as a routine cache miss, not a failure.
var ErrNotFound = errors.New("store: not found")

// ObjectStore is a key-value blob store. Implementations must be safe for
// concurrent use; writers to the same key are expected to be serialized by
// the caller (the Connection's authenticate lock is the sole writer of the
// SDK's keys).
type ObjectStore interface {
	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
}

// PutJSON marshals v and writes it under key.
func PutJSON(ctx context.Context, s ObjectStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// GetJSON reads key and unmarshals it into v. It returns (false, nil) on a
// cache miss so callers never branch on ErrNotFound themselves.
func GetJSON(ctx context.Context, s ObjectStore, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: unmarshal %s: %w", key, err)
	}
	return true, nil
}
