// Package objectstore defines the read-side interface the sidecar uses to
// fetch its GeoIP database from S3-compatible storage.
//
// # Usage
//
//	store, err := s3.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	rc, err := store.Get(ctx, "geoip/GeoLite2-City.mmdb")
//	if err != nil {
//	    if errors.Is(err, objectstore.ErrNotFound) {
//	        // Handle missing object
//	    }
//	    return err
//	}
//	defer rc.Close()
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("store is closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string // Operation that failed (e.g., "Get", "Head")
	Key string // Object key
	Err error  // Underlying error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta contains metadata about an object.
type ObjectMeta struct {
	// Key is the object's key (path) in the bucket.
	Key string

	// Size is the object's size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object content.
	ETag string

	// LastModified is the Unix timestamp (milliseconds) when the object was last modified.
	LastModified int64
}

// Store is the interface for reading objects.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves an entire object. The caller must close the returned
	// ReadCloser when done.
	//
	// Returns an error if the object doesn't exist or can't be retrieved:
	//   - ErrNotFound: object doesn't exist
	//   - ErrAccessDenied: insufficient permissions
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head retrieves object metadata without the body.
	//
	// Returns an error if the object doesn't exist:
	//   - ErrNotFound: object doesn't exist
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Close releases resources associated with the store.
	//
	// After Close returns, all other methods will return errors.
	Close() error
}
