package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// Blobs stores opaque byte payloads under slash-separated keys.
type Blobs interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// InputKey is the handle of an uploaded document.
func InputKey(jobID string) string { return "inputs/" + jobID }

// ResultKey is the handle of a job's artifact.
func ResultKey(jobID string) string { return "results/" + jobID }

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cleanKey rejects keys that are absolute or escape the namespace.
func cleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || path.IsAbs(cleaned) || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return cleaned, nil
}
