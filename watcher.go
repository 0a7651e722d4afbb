package lattice

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DriftWatcher watches a module tree directory for changes to declaration
// files after discovery has run. Discovery is never re-run mid-process;
// orchestration state is recomputed from descriptors at the next start. The
// watcher only surfaces that the on-disk declarations have drifted from the
// running system, so operators know a restart is due.
type DriftWatcher struct {
	logger  Logger
	watcher *fsnotify.Watcher
	onDrift func(path string)
}

// NewDriftWatcher creates a watcher over the module tree rooted at dir.
// onDrift is invoked with the changed file path; a nil callback just logs.
func NewDriftWatcher(dir string, logger Logger, onDrift func(path string)) (*DriftWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	err = filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("module tree %s does not exist: %w", dir, err)
		}
		return nil, fmt.Errorf("watching module tree %s: %w", dir, err)
	}

	return &DriftWatcher{logger: logger, watcher: w, onDrift: onDrift}, nil
}

// Run blocks, reporting declaration drift until the context is cancelled.
func (d *DriftWatcher) Run(ctx context.Context) error {
	defer d.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			// Watches are not recursive; a module directory created after
			// startup must be added for its declaration files to register.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.watcher.Add(event.Name); err != nil {
						d.logger.Error("watching new module directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !isDeclFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.logger.Warn("module declaration drifted from running system, restart required",
				"path", event.Name, "op", event.Op.String())
			if d.onDrift != nil {
				d.onDrift(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("module tree watcher error", "error", err)
		}
	}
}

func isDeclFile(path string) bool {
	base := filepath.Base(path)
	return strings.EqualFold(base, declFileYAML) || strings.EqualFold(base, declFileTOML)
}
