// Package engine runs read cycles for the candidates reported by a watcher:
// resolve the start offset, read new lines, fan them out and commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/buffer"
	"github.com/MuchTitan/go-log-shipper/internal/diag"
	"github.com/MuchTitan/go-log-shipper/internal/fanout"
	"github.com/MuchTitan/go-log-shipper/internal/filter"
	"github.com/MuchTitan/go-log-shipper/internal/input"
	inputtail "github.com/MuchTitan/go-log-shipper/internal/input/tail"
	"github.com/MuchTitan/go-log-shipper/internal/metrics"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	ErrNoSinks   = errors.New("no sinks configured")
	ErrNoSources = errors.New("no source is bound to a sink")
	ErrSharedDir = errors.New("directory is watched by more than one source")
)

const candidateBuffer = 256

// Options holds the collaborators of an Engine. Only Sources, Sinks, Watcher
// and Registry are required.
type Options struct {
	Sources  []internal.SourceSpec
	Sinks    []internal.SinkSpec
	Filters  map[string]*filter.Grep // by source id
	Watcher  input.Watcher
	Registry *output.Registry
	Buffers  *buffer.Manager
	Tracker  *inputtail.Tracker
	Metrics  *metrics.Metrics
	Tracer   diag.Tracer
	FS       afero.Fs
}

type pathState struct {
	next *input.Candidate // set when triggered again while reading
}

type Engine struct {
	fs       afero.Fs
	watcher  input.Watcher
	routes   []*input.Route
	registry *output.Registry
	buffers  *buffer.Manager
	tracker  *inputtail.Tracker
	metrics  *metrics.Metrics
	tracer   diag.Tracer

	mu       sync.Mutex
	inflight map[string]*pathState
	wg       sync.WaitGroup
	fatal    chan error
}

// New validates the source to sink graph and builds the routes to watch.
func New(opts Options) (*Engine, error) {
	if len(opts.Sinks) == 0 {
		return nil, ErrNoSinks
	}
	if opts.Watcher == nil || opts.Registry == nil {
		return nil, errors.New("engine needs a watcher and a sink registry")
	}

	e := &Engine{
		fs:       opts.FS,
		watcher:  opts.Watcher,
		registry: opts.Registry,
		buffers:  opts.Buffers,
		tracker:  opts.Tracker,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		inflight: make(map[string]*pathState),
		fatal:    make(chan error, 1),
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.tracer == nil {
		e.tracer = diag.Nop()
	}
	if e.buffers == nil {
		e.buffers = buffer.NewManager(e.fs, "", e.metrics)
	}
	if e.tracker == nil {
		e.tracker = inputtail.NewTracker(e.fs, nil, 0, e.tracer)
	}

	graph, err := fanout.Resolve(opts.Sources, opts.Sinks)
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]string, len(opts.Sources))
	for _, src := range opts.Sources {
		sinks := graph[src.ID]
		if len(sinks) == 0 {
			logrus.WithField("source", src.ID).Warn("source has no sinks, not watching it")
			continue
		}
		dir := filepath.Clean(src.Dir)
		if other, dup := dirs[dir]; dup {
			return nil, fmt.Errorf("%w: %s is watched by sources %s and %s", ErrSharedDir, dir, other, src.ID)
		}
		dirs[dir] = src.ID
		info, err := e.fs.Stat(src.Dir)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("source %s: %s is not a directory", src.ID, src.Dir)
		}
		e.routes = append(e.routes, &input.Route{
			Source: src,
			Sinks:  sinks,
			Filter: opts.Filters[src.ID],
		})
	}
	if len(e.routes) == 0 {
		return nil, ErrNoSources
	}
	return e, nil
}

// Routes returns the watched sources with their sinks.
func (e *Engine) Routes() []*input.Route {
	return e.routes
}

// Run watches until ctx is canceled, the watcher fails or a fatal write error
// occurs. On return in-flight cycles have finished, buffers are flushed and
// file states are persisted.
func (e *Engine) Run(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// cycles outlive cancellation so uploads in progress can complete
	cycleCtx := context.WithoutCancel(ctx)

	var trackerWG sync.WaitGroup
	trackerWG.Add(1)
	go func() {
		defer trackerWG.Done()
		e.tracker.Run(watchCtx)
	}()

	candidates := make(chan input.Candidate, candidateBuffer)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- e.watcher.Watch(watchCtx, e.routes, candidates)
	}()

	logrus.WithFields(logrus.Fields{
		"watcher": e.watcher.Name(),
		"sources": len(e.routes),
	}).Info("Engine started")

	var runErr error
loop:
	for {
		select {
		case <-watchCtx.Done():
			break loop
		case err := <-watchErr:
			if err != nil {
				runErr = fmt.Errorf("watcher %s: %w", e.watcher.Name(), err)
			}
			break loop
		case err := <-e.fatal:
			runErr = err
			break loop
		case c := <-candidates:
			e.trigger(watchCtx, cycleCtx, c)
		}
	}

	cancel()
	e.wg.Wait()
	trackerWG.Wait()

	// a fatal error raised by the last cycles still counts
	if runErr == nil {
		select {
		case runErr = <-e.fatal:
		default:
		}
	}

	if err := e.buffers.Close(cycleCtx); err != nil {
		logrus.WithError(err).Error("could not flush batch buffers on shutdown")
	}
	if err := e.tracker.Close(); err != nil {
		logrus.WithError(err).Error("could not close file state tracker")
	}
	logrus.Info("Engine stopped")
	return runErr
}

// trigger starts a cycle for c.Path unless one is running, in which case the
// path is marked to be read again once the current cycle committed.
func (e *Engine) trigger(watchCtx, cycleCtx context.Context, c input.Candidate) {
	e.mu.Lock()
	if st, busy := e.inflight[c.Path]; busy {
		st.next = &c
		e.mu.Unlock()
		return
	}
	e.inflight[c.Path] = &pathState{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			e.runCycle(cycleCtx, c)

			e.mu.Lock()
			st := e.inflight[c.Path]
			if st.next == nil || watchCtx.Err() != nil {
				delete(e.inflight, c.Path)
				e.mu.Unlock()
				return
			}
			c = *st.next
			st.next = nil
			e.mu.Unlock()
		}
	}()
}

func (e *Engine) runCycle(ctx context.Context, c input.Candidate) {
	result, err := e.readCycle(ctx, c)
	e.metrics.ReadCycles.WithLabelValues(result).Inc()
	if err == nil {
		return
	}

	logger := logrus.WithFields(logrus.Fields{
		"path":   c.Path,
		"source": c.Route.Source.ID,
	}).WithError(err)

	if errors.Is(err, output.ErrUnsupportedFormat) {
		logger.Error("fatal error while writing, stopping")
		select {
		case e.fatal <- err:
		default:
		}
		return
	}
	logger.Warn("read cycle abandoned")
}

// readCycle reads everything appended to c.Path since the last commit. The
// offset is committed only when every line reached its sinks.
func (e *Engine) readCycle(ctx context.Context, c input.Candidate) (string, error) {
	res, err := e.tracker.Resolve(c.Path)
	if err != nil {
		return metrics.ResultFailed, err
	}
	if res.Skip {
		return metrics.ResultSkipped, nil
	}

	f, err := e.fs.Open(c.Path)
	if err != nil {
		return metrics.ResultFailed, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	targets, err := fanout.Open(ctx, e.registry, e.buffers, e.metrics, c.Route.Sinks)
	if err != nil {
		return metrics.ResultFailed, err
	}

	e.tracer.Trace(diag.EventSeek, logrus.Fields{
		"path":   c.Path,
		"offset": res.Offset,
		"size":   res.Size,
	})

	newOffset, readErr := inputtail.ReadLines(f, res.Offset, func(line []byte) error {
		e.metrics.LinesRead.Inc()
		return targets.WriteLine(line, c.Route.Source.MaxBytes, c.Route.Filter)
	})
	closeErr := targets.Close()
	if readErr != nil {
		return metrics.ResultFailed, readErr
	}
	if closeErr != nil {
		return metrics.ResultFailed, closeErr
	}

	e.tracker.Commit(c.Path, res.Identity, newOffset)
	return metrics.ResultOK, nil
}
