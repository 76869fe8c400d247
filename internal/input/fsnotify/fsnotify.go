// Package inputfsnotify is the portable event driven watch strategy.
package inputfsnotify

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/MuchTitan/go-log-shipper/internal/input"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const triggerOps = fsnotify.Write | fsnotify.Create

type Watcher struct{}

func New() *Watcher {
	return &Watcher{}
}

func (w *Watcher) Name() string {
	return "fsnotify"
}

// Watch emits a candidate for every write or create event in a source dir.
// A file renamed into a dir shows up as a create event.
func (w *Watcher) Watch(ctx context.Context, routes []*input.Route, out chan<- input.Candidate) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify init: %w", err)
	}
	defer fw.Close()

	byDir := make(map[string][]*input.Route)
	for _, route := range routes {
		dir := filepath.Clean(route.Source.Dir)
		if _, ok := byDir[dir]; !ok {
			if err := fw.Add(dir); err != nil {
				return fmt.Errorf("fsnotify watch %s: %w", dir, err)
			}
			logrus.WithField("dir", dir).Info("Watching directory with fsnotify")
		}
		byDir[dir] = append(byDir[dir], route)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("fsnotify error")
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&triggerOps == 0 {
				continue
			}
			for _, route := range byDir[filepath.Dir(ev.Name)] {
				if !input.Emit(ctx, out, input.Candidate{Path: ev.Name, Route: route}) {
					return nil
				}
			}
		}
	}
}
