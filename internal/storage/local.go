package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Static errors for storage operations.
var (
	// ErrS3NotConfigured is returned when S3 operations are attempted
	// without proper configuration.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
	// ErrInvalidLocator is returned for locators that escape the storage root.
	ErrInvalidLocator = errors.New("storage: invalid locator")
)

// uploadsDir and outputsDir are the storage-relative subdirectories for
// uploaded sources and processing artifacts.
const (
	uploadsDir = "uploads"
	outputsDir = "outputs"
)

// LocalStorage implements the Storage interface using local disk.
// It does not support S3 operations unless wrapped with S3Storage.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage instance rooted at the given
// directory. If root is empty, a directory under os.TempDir() is used.
// The root and its uploads/outputs subdirectories are created if absent.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "waveq")
	}

	for _, dir := range []string{root, filepath.Join(root, uploadsDir), filepath.Join(root, outputsDir)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	return &LocalStorage{root: root}, nil
}

// Root returns the storage root directory path.
func (s *LocalStorage) Root() string {
	return s.root
}

// SaveUpload persists an uploaded file under uploads/ and returns its locator.
func (s *LocalStorage) SaveUpload(ctx context.Context, filename string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	unique := fmt.Sprintf("%s_%s", uuid.NewString()[:8], SanitizeFilename(filename))
	locator := path.Join(uploadsDir, unique)

	f, err := os.Create(filepath.Join(s.root, uploadsDir, unique))
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write upload file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close upload file: %w", err)
	}

	return locator, nil
}

// Open reads a stored file by locator and returns a reader.
// The caller is responsible for closing the returned ReadCloser.
func (s *LocalStorage) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	full, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full) // #nosec G304 - locator is validated against the root
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}

	return f, nil
}

// Remove deletes the specified stored files. It continues even if some
// files fail to delete, returning the first error encountered.
func (s *LocalStorage) Remove(ctx context.Context, locators []string) error {
	var firstErr error
	for _, loc := range locators {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		full, err := s.resolve(loc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove stored file %s: %w", loc, err)
			}
		}
	}
	return firstErr
}

// Sweep removes stored files older than maxAge from the uploads and outputs
// directories and returns the number of files deleted. Used by the periodic
// cleanup job.
func (s *LocalStorage) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, dir := range []string{uploadsDir, outputsDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return removed, fmt.Errorf("read storage directory: %w", err)
		}
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return removed, fmt.Errorf("context cancelled: %w", ctx.Err())
			default:
			}
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(s.root, dir, entry.Name())); err == nil {
					removed++
				}
			}
		}
	}

	return removed, nil
}

// UploadToS3 is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) UploadToS3(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}

// resolve maps a locator to an absolute path under the root, rejecting
// traversal attempts.
func (s *LocalStorage) resolve(locator string) (string, error) {
	clean := path.Clean("/" + locator)
	if clean == "/" || strings.Contains(locator, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// SanitizeFilename strips path components and unsafe characters from an
// uploaded filename.
func SanitizeFilename(filename string) string {
	base := filepath.Base(filepath.FromSlash(filename))
	var b strings.Builder
	for _, r := range base {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._- ", r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "upload"
	}
	return out
}
