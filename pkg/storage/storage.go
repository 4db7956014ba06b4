// Package storage holds uploaded payee files between the preview and
// process calls. Files are keyed by a generated temp file name and swept
// after the configured retention.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound means no stored file exists for the temp name.
var ErrNotFound = errors.New("storage: file not found")

// FileInfo contains metadata about a stored upload.
type FileInfo struct {
	TempName    string    `json:"temp_name"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the upload handoff surface between the preview and process
// endpoints.
type Store interface {
	// Save persists the upload and returns its metadata, including the
	// temp name the process call refers back to.
	Save(ctx context.Context, filename, contentType string, r io.Reader) (*FileInfo, error)

	// Open returns a reader over a stored upload.
	Open(ctx context.Context, tempName string) (io.ReadCloser, *FileInfo, error)

	// Delete removes a stored upload. Deleting a missing file is not an
	// error.
	Delete(ctx context.Context, tempName string) error

	// Sweep removes uploads older than the retention window and reports
	// how many were removed.
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}
