package replay

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gcpreston/swb-go/internal/logging"
)

// RetentionPolicy bounds how many spectated game files are kept on disk.
type RetentionPolicy struct {
	MaxFiles int
	MaxAge   time.Duration
}

// StorageStats summarises the disk footprint of retained game files.
type StorageStats struct {
	Files     int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes `.slp` files from the spectate output
// directory according to a retention policy, so long-running mirror sessions
// don't grow the directory without bound.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the supplied spectate output directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run executes retention sweeps on interval until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep; primarily used by tests.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type gameFile struct {
	path string
	size int64
	mod  time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("spectate retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	files := make([]gameFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".slp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("spectate retention stat failed", logging.Error(err), logging.String("path", entry.Name()))
			continue
		}
		files = append(files, gameFile{path: filepath.Join(c.dir, entry.Name()), size: info.Size(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	now := c.now()
	stats := StorageStats{LastSweep: now}
	for i, f := range files {
		if c.shouldRemove(f, now, i) {
			if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.log.Warn("spectate retention removal failed", logging.Error(err), logging.String("path", f.path))
				stats.Files++
				stats.Bytes += f.size
				continue
			}
			c.log.Info("spectate retention removed game file", logging.String("path", f.path))
			continue
		}
		stats.Files++
		stats.Bytes += f.size
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) shouldRemove(f gameFile, now time.Time, rank int) bool {
	if c.policy.MaxAge > 0 && now.Sub(f.mod) > c.policy.MaxAge {
		return true
	}
	if c.policy.MaxFiles > 0 && rank >= c.policy.MaxFiles {
		return true
	}
	return false
}
