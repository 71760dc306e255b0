package object

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrObjectExists is returned by Put when the key is already occupied.
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectNotFound is returned when no object is stored under the key.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidKey rejects keys that are empty, absolute or escape the store root.
	ErrInvalidKey = errors.New("invalid storage key")
)

// Info describes a stored object.
type Info struct {
	Key         string
	SizeBytes   int64
	ContentType string
}

// Gateway persists immutable objects and hands out time-limited read URLs.
// Put never overwrites an existing key.
type Gateway interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	SignURL(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Info, error)
}

// PresignedUpload is a URL a client can PUT an object to directly.
type PresignedUpload struct {
	URL       string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// UploadPresigner is implemented by gateways that accept direct client uploads.
type UploadPresigner interface {
	PresignPut(ctx context.Context, key, contentType string, sizeBytes int64) (PresignedUpload, error)
}

// ValidateKey checks that key is a clean relative slash-separated path.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	if path.Clean(key) != key {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return ErrInvalidKey
		}
	}
	return nil
}
