// Package blob stores job resource files on a local filesystem, an SFTP host or an S3-compatible bucket.
package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = fmt.Errorf("blob: %w", fs.ErrNotExist)

// Store is implemented by every backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// cleanKey normalises a slash separated key and rejects escapes from the root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("blob: empty key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("blob: invalid key %q", key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return cleaned, nil
}
