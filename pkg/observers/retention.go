package observers

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// PurgeArtifacts removes timelines, usage summaries and recorded segments
// under dir older than maxAge, then drops session directories left empty.
// Returns the number of files deleted.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var removed int
	var errs error
	var dirs []string
	cutoff := time.Now().Add(-maxAge)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = errors.Join(errs, err)
			return nil
		}
		if d.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			errs = errors.Join(errs, err)
			return nil
		}
		removed++
		return nil
	})
	errs = errors.Join(errs, walkErr)
	// deepest first
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return removed, errs
}
