package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates the requested object does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// validateKey rejects keys that are empty or escape the bucket namespace.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
