// Package blob reads immutable binary artifacts, such as model weight files
// and pre-built flash images, from local disk or an S3-compatible object
// store.
//
// The device side of the system never writes artifacts back, so the
// interface is read-only.
package blob

import (
	"context"
	"io"
)

// Source opens named blobs for reading.
//
// Names are forward-slash separated and relative to the source root.
// Implementations must be safe for concurrent use.
type Source interface {
	// Open opens the named blob. The caller must close the returned
	// ReadCloser. If the blob does not exist, the error wraps
	// os.ErrNotExist.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Exists reports whether the named blob exists.
	Exists(ctx context.Context, name string) (bool, error)
}

// ReadAll opens name and reads it fully.
func ReadAll(ctx context.Context, src Source, name string) ([]byte, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
