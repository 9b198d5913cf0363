package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// DependencyCache persists the parsed dependency list extracted from a
// single distribution (wheel or sdist), keyed by a caller-supplied content
// hash rather than by name/version: entries stored under the same hash
// collapse to one cache entry. The key is the hash the caller passes in;
// the metadata inside the archive is not hashed here.
type DependencyCache struct {
	dir    string
	logger *slog.Logger
}

// NewDependencyCache creates a dependency cache rooted at dir.
func NewDependencyCache(dir string, logger *slog.Logger) (*DependencyCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dependency cache directory %s: %w", dir, err)
	}

	return &DependencyCache{dir: dir, logger: logger}, nil
}

func (c *DependencyCache) path(contentHash string) string {
	return filepath.Join(c.dir, contentHash+".json")
}

// Get returns the cached requirement strings for the distribution whose
// content hash is contentHash.
func (c *DependencyCache) Get(contentHash string) ([]string, bool) {
	data, err := os.ReadFile(c.path(contentHash))
	if err != nil {
		return nil, false
	}

	var reqs []string
	if err := json.Unmarshal(data, &reqs); err != nil {
		c.logger.Debug("dependency cache entry corrupt, ignoring", slog.String("hash", contentHash), slog.String("error", err.Error()))

		return nil, false
	}

	return reqs, true
}

// Put records the requirement strings extracted from the distribution whose
// content hash is contentHash.
func (c *DependencyCache) Put(contentHash string, requirements []string) error {
	data, err := json.Marshal(requirements)
	if err != nil {
		return fmt.Errorf("marshaling dependency cache entry for %s: %w", contentHash, err)
	}

	dst := c.path(contentHash)
	tmp := dst + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing dependency cache entry for %s: %w", contentHash, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("renaming dependency cache entry for %s: %w", contentHash, err)
	}

	return nil
}
