// Package tail tracks per-file read positions and reads newly appended lines.
package inputtail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/diag"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const persistInterval = 100 * time.Millisecond

// Tracker maps paths to their last committed FileState. With a Repository
// configured, commits are also persisted in batches by Run.
type Tracker struct {
	fs          afero.Fs
	repository  Repository
	cleanupDays int
	tracer      diag.Tracer
	now         func() time.Time

	mu      sync.Mutex
	state   map[string]*FileState
	pending []FileState
}

// NewTracker creates a tracker. repo may be nil for in-memory state only.
func NewTracker(fs afero.Fs, repo Repository, cleanupDays int, tracer diag.Tracer) *Tracker {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if tracer == nil {
		tracer = diag.Nop()
	}
	return &Tracker{
		fs:          fs,
		repository:  repo,
		cleanupDays: cleanupDays,
		tracer:      tracer,
		now:         time.Now,
		state:       make(map[string]*FileState),
	}
}

// Resolve decides where the next read of path starts.
func (t *Tracker) Resolve(path string) (Resolution, error) {
	info, err := t.fs.Stat(path)
	if err != nil {
		t.tracer.Trace(diag.EventStatFailed, logrus.Fields{"path": path, "error": err.Error()})
		return Resolution{}, fmt.Errorf("stat %s: %w", path, err)
	}

	id := identityOf(info)
	size := info.Size()

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.state[path]
	if !ok {
		prev = t.loadLocked(path, id)
	}

	var offset int64
	if prev != nil {
		offset = prev.Offset
	}

	fields := logrus.Fields{
		"path":   path,
		"offset": offset,
		"size":   size,
		"dev":    id.Device,
		"ino":    id.Inode,
	}

	switch {
	case size < offset:
		t.tracer.Trace(diag.EventSizeShrink, fields)
		offset = 0
	case size == offset:
		t.tracer.Trace(diag.EventSkipNoData, fields)
		t.recordLocked(path, id, offset)
		return Resolution{Identity: id, Offset: offset, Size: size, Skip: true}, nil
	}

	return Resolution{Identity: id, Offset: offset, Size: size}, nil
}

// Commit records the offset reached by a successful read cycle.
func (t *Tracker) Commit(path string, id internal.FileIdentity, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracer.Trace(diag.EventUpdateOffset, logrus.Fields{
		"path":       path,
		"dev":        id.Device,
		"ino":        id.Inode,
		"new_offset": offset,
	})
	t.recordLocked(path, id, offset)
}

// State returns a copy of the recorded state for path.
func (t *Tracker) State(path string) (FileState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[path]
	if !ok {
		return FileState{}, false
	}
	return *st, true
}

func (t *Tracker) recordLocked(path string, id internal.FileIdentity, offset int64) {
	st := FileState{Path: path, Identity: id, Offset: offset, UpdatedAt: t.now()}
	t.state[path] = &st
	if t.repository != nil {
		t.pending = append(t.pending, st)
	}
}

// loadLocked consults the repository on a cache miss. A stored state exists
// only for the same identity, so a file replaced while the agent was down
// starts from zero.
func (t *Tracker) loadLocked(path string, id internal.FileIdentity) *FileState {
	if t.repository == nil {
		return nil
	}
	st, err := t.repository.GetFileState(path, id)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  path,
			"inode": id.Inode,
		}).WithError(err).Warn("could not load saved file state")
		return nil
	}
	if st == nil {
		logrus.WithField("path", path).Debug("did not find a saved file state")
		return nil
	}
	t.state[path] = st
	return st
}

// Run persists pending commits every 100ms until ctx is canceled. It is a
// no-op without a repository.
func (t *Tracker) Run(ctx context.Context) {
	if t.repository == nil {
		return
	}
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.persist(); err != nil {
				logrus.WithError(err).Error("could not persist file states")
			}
		}
	}
}

func (t *Tracker) persist() error {
	t.mu.Lock()
	updates := t.pending
	t.pending = nil
	t.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}
	if err := t.repository.BatchUpsertFileStates(updates); err != nil {
		t.mu.Lock()
		t.pending = append(updates, t.pending...)
		t.mu.Unlock()
		return err
	}
	return nil
}

// Close flushes pending commits, removes stale rows and closes the
// repository. Call it after the last Commit.
func (t *Tracker) Close() error {
	if t.repository == nil {
		return nil
	}
	if err := t.persist(); err != nil {
		logrus.WithError(err).Error("could not persist file states")
	}

	deleted, err := t.repository.CleanupOldEntries(t.cleanupDays)
	if err != nil {
		logrus.WithError(err).Error("could not clean up old file states")
	} else {
		logrus.Debugf("cleaned %d old entries from file state store", deleted)
	}

	if err := t.repository.Close(); err != nil {
		return fmt.Errorf("could not close file state repository: %w", err)
	}
	return nil
}
