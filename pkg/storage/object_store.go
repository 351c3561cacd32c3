package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

const (
	documentsRoot = "user-documents"

	// createdMetaKey records the upload time; S3-style stores only keep a
	// last-modified time.
	createdMetaKey = "Created-Time"
)

var (
	// ErrNotFound reports a missing object.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidFileName rejects names that cannot be a document identity.
	ErrInvalidFileName = errors.New("invalid file name")
)

// ObjectInfo is the metadata of one stored object.
type ObjectInfo struct {
	Key         string
	Name        string
	Size        int64
	ContentType string
	Created     time.Time
	Updated     time.Time
}

// BlobStore provides access to object storage.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// List returns the keys directly under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// DocumentPrefix is the namespace holding a user's uploads.
func DocumentPrefix(userID string) string {
	return documentsRoot + "/" + userID + "/"
}

// DocumentKey is the object key of fileName in the user's namespace.
func DocumentKey(userID, fileName string) string {
	return DocumentPrefix(userID) + fileName
}

// ValidateFileName rejects names that would escape the user's namespace.
// File names are the document identity, so no other rewriting happens.
func ValidateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFileName)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("%w %q", ErrInvalidFileName, name)
	}
	return nil
}

func baseName(key string) string {
	return path.Base(key)
}

func parseCreated(meta map[string]string, fallback time.Time) time.Time {
	for k, v := range meta {
		if !strings.EqualFold(k, createdMetaKey) && !strings.EqualFold(k, "X-Amz-Meta-"+createdMetaKey) {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
			return t
		}
	}
	return fallback
}

func directChild(prefix, key string) bool {
	rest, ok := strings.CutPrefix(key, prefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}
