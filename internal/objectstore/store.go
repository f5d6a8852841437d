// Package objectstore abstracts the object storage backend holding
// uploaded file bytes under content-addressed keys of the form
// <user_id>/<content_hash>/<original_filename>.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Common errors returned by ObjectStore implementations.
var (
	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("access denied")
)

// ObjectStore is the narrow storage contract used by the file service and
// ingestion pipeline. Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Get retrieves an object. The caller must close the reader.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores an object, fully consuming the reader. Re-putting an
	// existing key overwrites it.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key renders the content-addressed storage key for an upload.
func Key(userID int64, contentHash, filename string) string {
	return fmt.Sprintf("%d/%s/%s", userID, contentHash, filename)
}
