package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// loadJSONFile reads a JSON array file into dst (a pointer to a slice).
// A missing file is treated as an empty collection, not an error.
func loadJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	if len(data) == 0 {
		return nil
	}
	return trace.Wrap(json.Unmarshal(data, dst))
}

// saveJSONFile writes src as a JSON array atomically (write to temp file,
// rename over the target) so a crash mid-write never corrupts the
// persisted registry.
func saveJSONFile(path string, src any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}

	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp, path))
}
