// Package buffer accumulates output for batched sinks in spill files and hands
// the whole spill to the sink once it is large enough or has been idle long
// enough.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/metrics"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const spillPrefix = "logship-batch-"

var errNoPolicy = errors.New("sink has no batch policy")

// Owner is the sink a buffer flushes into.
type Owner struct {
	Key    string
	Driver output.Driver
	Spec   internal.SinkSpec
}

// Stats is a point-in-time view of one buffer.
type Stats struct {
	Path         string
	Size         int64
	TimerPending bool
}

type state struct {
	mu         sync.Mutex
	file       afero.File
	path       string
	size       int64
	lastAppend time.Time
	timer      *time.Timer

	owner    Owner
	maxBytes int64
	maxWait  time.Duration
}

func (s *state) reset() {
	s.file = nil
	s.path = ""
	s.size = 0
	s.lastAppend = time.Time{}
	s.timer = nil
}

// Manager owns one buffer per sink unique key. Buffers live for the process
// lifetime and return to idle after each flush.
type Manager struct {
	fs      afero.Fs
	dir     string
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	states   map[string]*state
	sessions map[string]*sync.Mutex
}

// NewManager creates spill files in dir; an empty dir means os.TempDir().
func NewManager(fs afero.Fs, dir string, m *metrics.Metrics) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{
		fs:      fs,
		dir:     dir,
		metrics: m,
		now:     time.Now,
		states:   make(map[string]*state),
		sessions: make(map[string]*sync.Mutex),
	}
}

// LockSink serializes writer sessions on the sink with unique key. Every
// session opened on a sink, by a read cycle or by a flush, runs under it.
// The returned func releases the lock. A nil Manager locks nothing.
func (m *Manager) LockSink(key string) (unlock func()) {
	if m == nil {
		return func() {}
	}
	m.mu.Lock()
	l, ok := m.sessions[key]
	if !ok {
		l = &sync.Mutex{}
		m.sessions[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) stateFor(owner Owner) (*state, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[owner.Key]; ok {
		return st, nil
	}
	policy := owner.Spec.Batch
	if policy == nil {
		return nil, errNoPolicy
	}
	st := &state{owner: owner, maxBytes: policy.MaxBytes, maxWait: policy.MaxWait}
	m.states[owner.Key] = st
	return st, nil
}

func (m *Manager) lookup(key string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key]
}

// Append adds data to the owner's spill file, re-arms the idle timer and
// flushes right away once the size threshold is reached. The caller holds
// the owner's sink lock.
func (m *Manager) Append(ctx context.Context, owner Owner, data []byte) error {
	st, err := m.stateFor(owner)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.file == nil {
		f, err := afero.TempFile(m.fs, m.dir, spillPrefix)
		if err != nil {
			return fmt.Errorf("failed to create spill file: %w", err)
		}
		st.file = f
		st.path = f.Name()
	}

	n, err := st.file.Write(data)
	st.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write spill file %s: %w", st.path, err)
	}
	st.lastAppend = m.now()
	m.schedule(st)

	if st.size >= st.maxBytes {
		return m.flushLocked(ctx, st, metrics.TriggerSize)
	}
	return nil
}

// schedule replaces any pending idle timer. Caller holds st.mu.
func (m *Manager) schedule(st *state) {
	if st.maxWait <= 0 {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	scheduledAt := st.lastAppend
	st.timer = time.AfterFunc(st.maxWait, func() {
		m.onIdle(st, scheduledAt)
	})
}

func (m *Manager) onIdle(st *state, scheduledAt time.Time) {
	unlock := m.LockSink(st.owner.Key)
	defer unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	// A newer append owns a newer timer.
	if st.size == 0 || !st.lastAppend.Equal(scheduledAt) {
		return
	}
	if err := m.flushLocked(context.Background(), st, metrics.TriggerIdle); err != nil {
		logrus.WithField("sink", st.owner.Spec.ID).WithError(err).Error("idle flush failed")
	}
}

// Flush hands everything buffered for key to the sink. It is a no-op when
// nothing is buffered. On error the spill file is kept for the next attempt.
func (m *Manager) Flush(ctx context.Context, key string) error {
	st := m.lookup(key)
	if st == nil {
		return nil
	}
	unlock := m.LockSink(key)
	defer unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.flushLocked(ctx, st, metrics.TriggerManual)
}

func (m *Manager) flushLocked(ctx context.Context, st *state, trigger string) (err error) {
	if st.size == 0 || st.file == nil {
		return nil
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}

	sinkType := st.owner.Driver.Type()
	defer func() {
		if err == nil {
			return
		}
		m.countError(sinkType)
		// keep appending at the end of the spill
		if _, seekErr := st.file.Seek(0, io.SeekEnd); seekErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore spill position: %w", seekErr))
		}
	}()

	if _, err := st.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spill file: %w", err)
	}

	w, err := st.owner.Driver.OpenWriter(ctx, st.owner.Spec)
	if err != nil {
		return fmt.Errorf("failed to open sink writer: %w", err)
	}
	if _, err := io.Copy(w, st.file); err != nil {
		w.Close()
		return fmt.Errorf("failed to copy spill to sink: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close sink writer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"sink":    st.owner.Spec.ID,
		"bytes":   st.size,
		"trigger": trigger,
	}).Debug("flushed batch buffer")

	st.file.Close()
	if err := m.fs.Remove(st.path); err != nil && !os.IsNotExist(err) {
		logrus.WithField("path", st.path).WithError(err).Warn("could not remove spill file")
	}
	st.reset()
	m.countFlush(sinkType, trigger)
	return nil
}

// Stats reports the buffer for key; ok is false when the key was never used.
func (m *Manager) Stats(key string) (Stats, bool) {
	st := m.lookup(key)
	if st == nil {
		return Stats{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return Stats{Path: st.path, Size: st.size, TimerPending: st.timer != nil}, true
}

// Close flushes every non-empty buffer. It is called on graceful shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	states := make([]*state, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.Unlock()

	var errs []error
	for _, st := range states {
		unlock := m.LockSink(st.owner.Key)
		st.mu.Lock()
		if err := m.flushLocked(ctx, st, metrics.TriggerShutdown); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", st.owner.Spec.ID, err))
		}
		st.mu.Unlock()
		unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) countFlush(sinkType, trigger string) {
	if m.metrics != nil {
		m.metrics.BufferFlushes.WithLabelValues(sinkType, trigger).Inc()
	}
}

func (m *Manager) countError(sinkType string) {
	if m.metrics != nil {
		m.metrics.BufferFlushErrors.WithLabelValues(sinkType).Inc()
	}
}
