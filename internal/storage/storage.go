// Package storage provides file storage for uploaded audio and processing
// artifacts. It defines the Storage interface (port) and implementations
// for local disk and S3-backed delivery.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for upload and artifact storage.
// Locators are storage-relative paths; they never expose absolute
// filesystem paths to callers.
type Storage interface {
	// SaveUpload persists an uploaded file and returns its locator.
	// The filename is sanitized and prefixed with a unique token so
	// re-uploads never overwrite earlier files.
	SaveUpload(ctx context.Context, filename string, data io.Reader) (locator string, err error)

	// Open reads a stored file by locator and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, locator string) (io.ReadCloser, error)

	// Remove deletes the specified stored files. It continues even if
	// some files fail to delete, returning the first error encountered.
	Remove(ctx context.Context, locators []string) error

	// UploadToS3 mirrors data to S3 and returns the public URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	UploadToS3(ctx context.Context, key string, data io.Reader) (url string, err error)
}
