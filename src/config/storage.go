package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// ArtifactDir is where artifacts live unless BRANCHLINE_CACHE_DIR says otherwise.
func ArtifactDir() string {
	return filepath.Join(GetenvStrOr("BRANCHLINE_CACHE_DIR", filepath.Join(xdg.CacheHome, "branchline")), "artifacts")
}
