// Package datasource abstracts where the raw dump comes from.
package datasource

import (
	"context"
	"io"
)

// Source opens the dump for one streaming pass.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Digester is implemented by readers that fingerprint the bytes they read.
type Digester interface {
	// Digest returns a hex fingerprint of the raw bytes read so far.
	Digest() string
	// BytesRead returns the number of raw bytes read so far.
	BytesRead() int64
}
