package engine

import (
	"fmt"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal/input"
	inputfsnotify "github.com/MuchTitan/go-log-shipper/internal/input/fsnotify"
	inputinotify "github.com/MuchTitan/go-log-shipper/internal/input/inotify"
	inputpoll "github.com/MuchTitan/go-log-shipper/internal/input/poll"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Watch modes accepted in system.watch_mode.
const (
	WatchAuto     = "auto"
	WatchInotify  = "inotify"
	WatchFsnotify = "fsnotify"
	WatchPoll     = "poll"
)

// SelectWatcher builds the watcher for mode. Auto prefers inotify and falls
// back to polling when it cannot be initialized.
func SelectWatcher(mode string, fs afero.Fs, interval time.Duration) (input.Watcher, error) {
	switch mode {
	case "", WatchAuto:
		w, err := inputinotify.New()
		if err != nil {
			logrus.WithError(err).Warn("inotify unavailable, falling back to polling")
			return inputpoll.New(fs, interval), nil
		}
		return w, nil
	case WatchInotify:
		w, err := inputinotify.New()
		if err != nil {
			return nil, fmt.Errorf("inotify unavailable: %w", err)
		}
		return w, nil
	case WatchFsnotify:
		return inputfsnotify.New(), nil
	case WatchPoll:
		return inputpoll.New(fs, interval), nil
	default:
		return nil, fmt.Errorf("unknown watch mode %q", mode)
	}
}
