// Package fanout routes each line read from a source to every sink bound to
// it, writing through the batch buffer for batched sinks.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/buffer"
	"github.com/MuchTitan/go-log-shipper/internal/filter"
	"github.com/MuchTitan/go-log-shipper/internal/metrics"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	"github.com/MuchTitan/go-log-shipper/internal/util"
	"github.com/sirupsen/logrus"
)

var ErrUnknownSource = errors.New("sink input references unknown source")

// Resolve builds the source id to sinks graph. Every source gets an entry,
// possibly empty.
func Resolve(sources []internal.SourceSpec, sinks []internal.SinkSpec) (map[string][]internal.SinkSpec, error) {
	graph := make(map[string][]internal.SinkSpec, len(sources))
	for _, src := range sources {
		graph[src.ID] = nil
	}
	for _, sink := range sinks {
		for _, in := range sink.Inputs {
			if _, ok := graph[in]; !ok {
				return nil, fmt.Errorf("%w: sink %s input %s", ErrUnknownSource, sink.ID, in)
			}
			graph[in] = append(graph[in], sink)
		}
	}
	return graph, nil
}

// Target is one deduplicated destination for the duration of a read cycle.
// Writer is nil for batched sinks.
type Target struct {
	Driver output.Driver
	Spec   internal.SinkSpec
	Key    string
	Writer io.WriteCloser
	Batch  *internal.BatchPolicy
}

// Targets is the set of open destinations of one read cycle. It holds the
// sink lock of every destination until Close.
type Targets struct {
	ctx     context.Context
	buffers *buffer.Manager
	metrics *metrics.Metrics
	list    []*Target
	unlock  []func()
}

// Open deduplicates sinks by unique key (first declaration wins), locks each
// survivor's sink in key order, prepares it and opens writers for unbuffered
// ones. On failure every writer opened so far is closed and the locks are
// released.
func Open(ctx context.Context, registry *output.Registry, buffers *buffer.Manager, m *metrics.Metrics, sinks []internal.SinkSpec) (*Targets, error) {
	targets := &Targets{ctx: ctx, buffers: buffers, metrics: m}
	seen := make(map[string]struct{}, len(sinks))

	for _, spec := range sinks {
		driver, err := registry.Get(spec.Type)
		if err != nil {
			return nil, err
		}

		key := driver.UniqueKey(spec)
		if _, dup := seen[key]; dup {
			logrus.WithFields(logrus.Fields{"sink": spec.ID, "key": key}).Debug("skipping duplicate sink")
			continue
		}
		seen[key] = struct{}{}
		targets.list = append(targets.list, &Target{Driver: driver, Spec: spec, Key: key, Batch: spec.Batch})
	}

	keys := make([]string, 0, len(targets.list))
	for _, target := range targets.list {
		keys = append(keys, target.Key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		targets.unlock = append(targets.unlock, buffers.LockSink(key))
	}

	for _, target := range targets.list {
		if err := target.Driver.Prepare(target.Spec); err != nil {
			targets.Close()
			return nil, fmt.Errorf("prepare sink %s: %w", target.Spec.ID, err)
		}
		if target.Spec.Buffered() {
			continue
		}
		w, err := target.Driver.OpenWriter(ctx, target.Spec)
		if err != nil {
			targets.Close()
			return nil, fmt.Errorf("open sink %s: %w", target.Spec.ID, err)
		}
		target.Writer = w
	}
	return targets, nil
}

// Len is the number of distinct destinations.
func (t *Targets) Len() int {
	return len(t.list)
}

// WriteLine drops line for every sink when it is longer than maxBytes (without
// its line ending, 0 disables the check) or grep rejects it. Otherwise each
// sink gets its own formatted payload.
func (t *Targets) WriteLine(line []byte, maxBytes int, grep *filter.Grep) error {
	if maxBytes > 0 && len(util.TrimEOL(line)) > maxBytes {
		t.countDrop(metrics.ReasonMaxBytes)
		return nil
	}
	if !grep.Match(line) {
		t.countDrop(metrics.ReasonFilter)
		return nil
	}

	for _, target := range t.list {
		payload, ok, err := target.Driver.FormatLine(line, target.Spec)
		if err != nil {
			return fmt.Errorf("format line for sink %s: %w", target.Spec.ID, err)
		}
		if !ok {
			continue
		}

		if target.Writer != nil {
			if _, err := target.Writer.Write(payload); err != nil {
				return fmt.Errorf("write to sink %s: %w", target.Spec.ID, err)
			}
			continue
		}

		owner := buffer.Owner{Key: target.Key, Driver: target.Driver, Spec: target.Spec}
		if err := t.buffers.Append(t.ctx, owner, payload); err != nil {
			return fmt.Errorf("buffer for sink %s: %w", target.Spec.ID, err)
		}
	}
	return nil
}

// Close closes every direct writer, releases the sink locks and returns the
// first error.
func (t *Targets) Close() error {
	var first error
	for _, target := range t.list {
		if target.Writer == nil {
			continue
		}
		if err := target.Writer.Close(); err != nil && first == nil {
			first = fmt.Errorf("close sink %s: %w", target.Spec.ID, err)
		}
		target.Writer = nil
	}
	for i := len(t.unlock) - 1; i >= 0; i-- {
		t.unlock[i]()
	}
	t.unlock = nil
	return first
}

func (t *Targets) countDrop(reason string) {
	if t.metrics != nil {
		t.metrics.LinesDropped.WithLabelValues(reason).Inc()
	}
}
