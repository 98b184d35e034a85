//go:build !windows

package preflight

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// IsMountPoint reports whether path sits on a different device than its
// parent directory. "/" is always a mount point.
func IsMountPoint(path string) (bool, error) {
	path = filepath.Clean(path)
	parent := filepath.Dir(path)
	if parent == path {
		return true, nil
	}

	var st, parentSt unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := unix.Stat(parent, &parentSt); err != nil {
		return false, fmt.Errorf("stat %s: %w", parent, err)
	}

	return st.Dev != parentSt.Dev, nil
}
