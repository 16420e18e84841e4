package logging

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cleaner deletes log files older than the retention period.
type Cleaner struct {
	dir       string
	retention time.Duration
	now       func() time.Time
}

// NewCleaner creates a Cleaner for dir.
func NewCleaner(dir string, retention time.Duration) *Cleaner {
	return &Cleaner{dir: dir, retention: retention, now: time.Now}
}

// Cleanup removes expired *.log files and any directories left empty. It
// returns the number of files removed. A missing dir is not an error.
func (c *Cleaner) Cleanup() (int, error) {
	threshold := c.now().Add(-c.retention)
	deleted := 0
	var dirs []string

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != c.dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".log") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(threshold) && os.Remove(path) == nil {
			deleted++
		}
		return nil
	})

	// Deepest first, so a parent emptied by its children goes too.
	for i := len(dirs) - 1; i >= 0; i-- {
		if entries, err := os.ReadDir(dirs[i]); err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return deleted, err
}
