// Package blob defines the object storage abstraction used for save-game
// archives. Objects are addressed by slash-separated names such as
// "saves/session_001.json" regardless of backend.
//
// Two implementations exist: pkg/storage/blob/local writes files under a base
// directory, pkg/storage/blob/s3 talks to any S3-compatible server via
// minio-go.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetJSON when the object does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is the abstraction over an object store holding JSON documents.
// Implementations must be safe for concurrent use.
type Store interface {
	// PutJSON marshals v and stores it at name, overwriting any existing object.
	PutJSON(ctx context.Context, name string, v any) error

	// GetJSON reads the object at name and unmarshals it into v.
	// Returns ErrNotFound when the object does not exist.
	GetJSON(ctx context.Context, name string, v any) error

	// Delete removes the object at name. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all objects under the given prefix,
	// slash-separated and relative to the store root.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether an object is stored at name.
	Exists(ctx context.Context, name string) (bool, error)
}
