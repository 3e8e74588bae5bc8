package remote

import (
	"context"
	"errors"

	"github.com/warfeedhq/ingest/pkg/types"
)

// ErrFileNotFound is returned by Stat and ReadRange when the remote path
// does not exist.
var ErrFileNotFound = errors.New("remote file not found")

// FileInfo is the subset of remote file metadata the engine needs.
type FileInfo struct {
	Size int64
}

// Session is an open channel to one remote host, able to inspect and read a
// file. Sessions are not safe for concurrent use; the pool hands each one to
// a single poll at a time.
type Session interface {
	// Stat returns metadata for the remote path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// ReadRange reads up to maxBytes starting at offset. A short read at
	// end of file is normal and not an error.
	ReadRange(ctx context.Context, path string, offset int64, maxBytes int) ([]byte, error)

	// Close releases the session. The underlying transport may stay cached
	// for reuse by later sessions to the same host.
	Close() error
}

// Dialer opens sessions to the host a source lives on.
type Dialer interface {
	// Dial opens a session for the source's endpoint, reusing an existing
	// transport to that host when one is healthy.
	Dial(ctx context.Context, src types.Source) (Session, error)

	// Invalidate discards any cached transport for the source's endpoint.
	// Called after transport-level failures so the next dial starts clean.
	Invalidate(src types.Source)

	// Close tears down all cached transports.
	Close() error
}
