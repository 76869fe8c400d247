//go:build !linux

// Package inputinotify watches source directories for completed writes and
// files moved into them. It is only available on linux.
package inputinotify

import (
	"context"

	"github.com/MuchTitan/go-log-shipper/internal/input"
)

type Watcher struct{}

func New() (*Watcher, error) {
	return nil, input.ErrUnsupported
}

func (w *Watcher) Name() string {
	return "inotify"
}

func (w *Watcher) Watch(context.Context, []*input.Route, chan<- input.Candidate) error {
	return input.ErrUnsupported
}

func (w *Watcher) Close() error {
	return nil
}
