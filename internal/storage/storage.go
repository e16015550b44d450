// Package storage persists generated lesson artifacts and returns the URL
// clients use to fetch them.
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Store writes data under a stable key. Writing the same key twice overwrites
// the object, so retried pipeline stages are safe.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
