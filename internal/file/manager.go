// Package file provides the File Reference Manager that tracks uploaded
// audio files by identity, so operations can reference a file by ID instead
// of re-transmitting bytes.
package file

import (
	"errors"
	"fmt"
	"mime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Static errors for file reference operations.
var (
	// ErrUnsupportedType is returned when the MIME type is not an allowed audio type.
	ErrUnsupportedType = errors.New("file: unsupported media type")
	// ErrTooLarge is returned when the file exceeds the configured maximum size.
	ErrTooLarge = errors.New("file: payload too large")
	// ErrNotFound is returned when no reference exists for the given ID.
	ErrNotFound = errors.New("file: reference not found")
)

// DefaultMaxBytes is the default upload size cap (100 MiB).
const DefaultMaxBytes = 100 << 20

// allowedMIMETypes is the set of audio MIME types accepted for upload.
var allowedMIMETypes = map[string]bool{
	"audio/wav":    true,
	"audio/x-wav":  true,
	"audio/wave":   true,
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/flac":   true,
	"audio/x-flac": true,
	"audio/ogg":    true,
	"audio/mp4":    true,
	"audio/x-m4a":  true,
	"audio/aac":    true,
	"audio/webm":   true,
}

// Reference is the metadata handle for an uploaded audio file, distinct
// from the file's bytes. References are immutable once created; a re-upload
// creates a new Reference rather than mutating an existing one.
type Reference struct {
	// ID is the opaque unique identifier for this reference.
	ID string
	// Filename is the original upload filename.
	Filename string
	// SizeBytes is the upload size in bytes.
	SizeBytes int64
	// MIMEType is the declared media type.
	MIMEType string
	// Locator is the storage locator of the stored bytes.
	Locator string
	// UploadedAt is when the file was registered.
	UploadedAt time.Time
}

// Manager tracks file references for one session. Removal only hides a
// reference from the visible list; the stored bytes are never deleted here.
type Manager struct {
	mu       sync.RWMutex
	refs     map[string]Reference
	order    []string // registration order for stable listing
	maxBytes int64
}

// NewManager creates a file reference manager with the given upload size
// cap. A non-positive cap falls back to DefaultMaxBytes.
func NewManager(maxBytes int64) *Manager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Manager{
		refs:     make(map[string]Reference),
		maxBytes: maxBytes,
	}
}

// MaxBytes returns the configured upload size cap.
func (m *Manager) MaxBytes() int64 {
	return m.maxBytes
}

// Register validates and records a new file reference. It fails with
// ErrUnsupportedType for non-audio MIME types and ErrTooLarge for oversize
// payloads; no reference is created on failure. Parameters on the declared
// type ("audio/wav; codecs=1") are stripped before the check.
func (m *Manager) Register(filename, mimeType string, sizeBytes int64, locator string) (Reference, error) {
	mediaType := mimeType
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mediaType = parsed
	}
	if !allowedMIMETypes[mediaType] {
		return Reference{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if sizeBytes > m.maxBytes {
		return Reference{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, sizeBytes, m.maxBytes)
	}

	ref := Reference{
		ID:         uuid.NewString(),
		Filename:   filename,
		SizeBytes:  sizeBytes,
		MIMEType:   mediaType,
		Locator:    locator,
		UploadedAt: time.Now(),
	}

	m.mu.Lock()
	m.refs[ref.ID] = ref
	m.order = append(m.order, ref.ID)
	m.mu.Unlock()

	return ref, nil
}

// Resolve returns the reference for the given ID, or ErrNotFound.
func (m *Manager) Resolve(id string) (Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[id]
	if !ok {
		return Reference{}, ErrNotFound
	}
	return ref, nil
}

// List returns all visible references in registration order.
func (m *Manager) List() []Reference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Reference, 0, len(m.order))
	for _, id := range m.order {
		if ref, ok := m.refs[id]; ok {
			result = append(result, ref)
		}
	}
	return result
}

// Remove hides a reference from the visible list. The underlying stored
// bytes are untouched; storage cleanup is a separate concern.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[id]; !ok {
		return ErrNotFound
	}
	delete(m.refs, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}
