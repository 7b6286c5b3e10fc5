//go:build !tiledb

package tiledb

import (
	"fmt"
	"os"
	"strings"

	"github.com/obs2co/owt-server/internal/raster"
)

// Supported reports whether this build can read TileDB products.
func Supported() bool { return false }

// Open resolves and checks the product path, then reports ErrUnsupported so
// configuration problems still surface early.
func Open(path string) (*raster.Cube, error) {
	uri, err := ResolveURI(path)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(uri, "://") {
		if _, statErr := os.Stat(uri); statErr != nil {
			return nil, fmt.Errorf("tiledb product not found at %s: %w", uri, statErr)
		}
	}
	return nil, ErrUnsupported
}
