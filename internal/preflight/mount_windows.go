//go:build windows

package preflight

import (
	"os"
	"path/filepath"
)

// IsMountPoint reports whether path is a volume root.
func IsMountPoint(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	path = filepath.Clean(path)
	return filepath.VolumeName(path)+string(filepath.Separator) == path, nil
}
