// Package inputpoll lists source directories on a fixed interval and reports
// files marked as complete by their name suffix.
package inputpoll

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/input"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const DefaultInterval = time.Second

type Watcher struct {
	fs       afero.Fs
	interval time.Duration
}

func New(fs afero.Fs, interval time.Duration) *Watcher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{fs: fs, interval: interval}
}

func (w *Watcher) Name() string {
	return "poll"
}

// Watch scans once right away and then on every tick.
func (w *Watcher) Watch(ctx context.Context, routes []*input.Route, out chan<- input.Candidate) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if !w.scan(ctx, routes, out) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scan(ctx context.Context, routes []*input.Route, out chan<- input.Candidate) bool {
	for _, route := range routes {
		suffix := route.Source.DoneSuffix
		if suffix == "" {
			suffix = internal.DefaultDoneSuffix
		}

		entries, err := afero.ReadDir(w.fs, route.Source.Dir)
		if err != nil {
			logrus.WithField("dir", route.Source.Dir).WithError(err).Warn("could not list source directory")
			continue
		}
		for _, entry := range entries {
			if !entry.Mode().IsRegular() || !strings.HasSuffix(entry.Name(), suffix) {
				continue
			}
			c := input.Candidate{Path: filepath.Join(route.Source.Dir, entry.Name()), Route: route}
			if !input.Emit(ctx, out, c) {
				return false
			}
		}
	}
	return true
}
