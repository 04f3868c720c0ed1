package snapshot

import (
	"path/filepath"

	"github.com/san-kum/treegrav/internal/config"
)

// NewWriter opens the writer cfg selects for rank: the quick or snap shared
// memory channel, or files under cfg.Dir. A relative Dir is taken relative to
// runDir. The returned func releases the writer.
func NewWriter(cfg config.SnapshotConfig, runDir string, rank int) (Writer, func() error, error) {
	if cfg.Shm {
		kind := Snap
		if cfg.Quick {
			kind = Quick
		}
		w, err := NewShmWriter(kind, rank)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	}
	dir := cfg.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(runDir, dir)
	}
	return &DiskWriter{Dir: dir}, func() error { return nil }, nil
}
