package walker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/logger"
	"github.com/yuya-takeyama/strict-catalog-sync/pkg/snapshot"
)

// Walker scans a source tree, skipping hidden entries, temporary files and
// anything matching an exclude pattern.
type Walker struct {
	excludes []string
	log      *logger.SyncLogger
}

// NewWalker creates a walker. Patterns are doublestar globs matched against
// forward-slash paths relative to the scanned root; a pattern ending in "/"
// excludes a directory and everything under it.
func NewWalker(excludes []string, log *logger.SyncLogger) (*Walker, error) {
	for _, p := range excludes {
		if !doublestar.ValidatePattern(strings.TrimSuffix(p, "/")) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Walker{excludes: excludes, log: log}, nil
}

// Scan implements snapshot.Scanner.
func (w *Walker) Scan(ctx context.Context, root string) ([]snapshot.RawFile, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, syncerrors.NewSourceError(root, err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, syncerrors.NewSourceError(absRoot, err)
	}
	if !info.IsDir() {
		return nil, syncerrors.NewSourceError(absRoot, fmt.Errorf("not a directory"))
	}

	// WalkDir does not descend into a symlinked root, so walk its target
	// and report paths under absRoot.
	walkRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, syncerrors.NewSourceError(absRoot, err)
	}

	var files []snapshot.RawFile

	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if path == walkRoot {
				return err
			}
			w.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == walkRoot {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
		} else if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
			return nil
		}

		relPath, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return fmt.Errorf("get relative path: %w", err)
		}
		if w.isExcluded(filepath.ToSlash(relPath), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("skipping file with unreadable metadata")
			return nil
		}

		files = append(files, snapshot.RawFile{Path: filepath.Join(absRoot, relPath), ModTime: fi.ModTime()})
		return nil
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, syncerrors.NewSourceError(absRoot, fmt.Errorf("walk directory: %w", err))
	}

	return files, nil
}

// isExcluded checks if a path matches any exclude pattern
func (w *Walker) isExcluded(path string, isDir bool) bool {
	for _, pattern := range w.excludes {
		if dirPattern, ok := strings.CutSuffix(pattern, "/"); ok {
			if !isDir {
				continue
			}
			if matched, _ := doublestar.Match(dirPattern, path); matched {
				return true
			}
			continue
		}
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
	}
	return false
}
