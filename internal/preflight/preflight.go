// Package preflight checks the source tree before a run touches anything.
package preflight

import (
	"fmt"
	"path/filepath"

	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
)

// RequireMount fails with ErrSourceUnavailable unless path is a mount point.
// A volume that is not mounted leaves an ordinary directory behind, which
// would otherwise be scanned as the source tree.
func RequireMount(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return syncerrors.NewSourceError(path, err)
	}

	mounted, err := IsMountPoint(abs)
	if err != nil {
		return syncerrors.NewSourceError(abs, err)
	}
	if !mounted {
		return syncerrors.NewSourceError(abs, fmt.Errorf("not a mount point"))
	}
	return nil
}
