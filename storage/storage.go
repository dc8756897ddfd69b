package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Get/Delete for missing keys on every
	// backend; callers must not see backend-specific errors.
	ErrNotFound = errors.New("storage: object not found")

	// ErrPayloadTooLarge is returned by Put when the stream exceeds the
	// configured maximum object size.
	ErrPayloadTooLarge = errors.New("storage: payload too large")

	// ErrBadName is returned by Put for suggested names that survive no
	// amount of sanitization (empty, hidden, traversal attempts).
	ErrBadName = errors.New("storage: unacceptable file name")
)

// Object describes a stored object.
type Object struct {
	Key          string
	OriginalName string
	SizeBytes    int64
	CreatedAt    time.Time
}

// Backend is the unified storage contract. Local disk and S3 implement it
// interchangeably: Get on a missing key always yields ErrNotFound.
type Backend interface {
	// Put sanitizes suggestedName, stores the stream under a generated
	// key, and enforces the size limit.
	Put(ctx context.Context, r io.Reader, suggestedName string) (Object, error)

	// Get opens the object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error

	// List returns objects older than the given age.
	List(ctx context.Context, olderThan time.Duration) ([]Object, error)

	// Stats summarizes total object count and bytes, for health reporting.
	Stats(ctx context.Context) (Stats, error)
}

type Stats struct {
	Objects    int   `json:"objects"`
	TotalBytes int64 `json:"total_bytes"`
}

var unsafeChars = regexp.MustCompile(`[^\w\-.]+`)

// SanitizeName reduces a client-supplied file name to a safe form: path
// components stripped, charset whitelisted, interior dots collapsed so only
// the extension dot survives. Hidden names and traversal attempts fail.
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", ErrBadName
	}
	if strings.ContainsRune(name, 0) {
		return "", ErrBadName
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	base = strings.ReplaceAll(base, ".", "_")
	base = unsafeChars.ReplaceAllString(base, "_")
	ext = unsafeChars.ReplaceAllString(strings.TrimPrefix(ext, "."), "")

	if len(base) > 200 {
		base = base[:200]
	}
	if base == "" || strings.Trim(base, "_") == "" {
		base = "file"
	}
	if ext == "" {
		return base, nil
	}
	return base + "." + strings.ToLower(ext), nil
}

// GenerateKey builds a storage key independent of the client-supplied name.
// The sanitized name is kept as a suffix for operator friendliness only.
func GenerateKey(sanitizedName string) string {
	return uuid.New().String()[:12] + "_" + sanitizedName
}

// Ext returns the lowercase extension of a file name without the dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// limitedReader wraps an io.Reader and fails once more than max bytes have
// been read, so oversized uploads are rejected without buffering them whole.
type limitedReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		return n, ErrPayloadTooLarge
	}
	return n, err
}
