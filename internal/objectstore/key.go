package objectstore

import (
	"fmt"
	"strings"
)

// IsURL reports whether path names an object (s3://bucket/key) rather than
// a local file.
func IsURL(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

// ParseURL splits an s3://bucket/key URL into bucket and key.
func ParseURL(path string) (bucket, key string, err error) {
	if !IsURL(path) {
		return "", "", fmt.Errorf("objectstore: %q is not an s3:// URL", path)
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "s3://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("objectstore: %q must have the form s3://bucket/key", path)
	}
	return parts[0], parts[1], nil
}
