// Package tiledb reads reflectance cubes stored as dense TileDB arrays.
//
// A cube is a TileDB group holding two dense arrays:
//   - Rrs: int64 dimensions wl, y, x and a float32 attribute Rrs
//   - wl:  int64 dimension wl and a float64 attribute wl
package tiledb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Scheme prefixes TileDB product paths.
const Scheme = "tiledb://"

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build with: go build -tags tiledb)")
)

// IsURI reports whether path names a TileDB product.
func IsURI(path string) bool {
	return strings.HasPrefix(strings.TrimSpace(path), Scheme)
}

// ResolveURI strips the tiledb:// scheme and cleans a local group path.
// Remote URIs (s3://, gcs://...) are returned unchanged.
func ResolveURI(path string) (string, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, Scheme)
	if p == "" {
		return "", errors.New("empty tiledb uri")
	}
	if strings.Contains(p, "://") {
		return p, nil
	}
	p = os.ExpandEnv(p)
	return filepath.Clean(p), nil
}
