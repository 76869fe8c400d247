//go:build linux

// Package inputinotify watches source directories for completed writes and
// files moved into them.
package inputinotify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/MuchTitan/go-log-shipper/internal/input"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	watchMask  = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO
	pollMillis = 200
	bufSize    = 64 * 1024
)

type Watcher struct {
	fd        int
	closeOnce sync.Once
}

// New initializes an inotify instance. An error here means the caller should
// fall back to another strategy.
func New() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	return &Watcher{fd: fd}, nil
}

func (w *Watcher) Name() string {
	return "inotify"
}

func (w *Watcher) Watch(ctx context.Context, routes []*input.Route, out chan<- input.Candidate) error {
	defer w.Close()

	byWD := make(map[int32][]*input.Route)
	for _, route := range routes {
		wd, err := unix.InotifyAddWatch(w.fd, route.Source.Dir, watchMask)
		if err != nil {
			return fmt.Errorf("inotify watch %s: %w", route.Source.Dir, err)
		}
		byWD[int32(wd)] = append(byWD[int32(wd)], route)
		logrus.WithField("dir", route.Source.Dir).Info("Watching directory with inotify")
	}

	buf := make([]byte, bufSize)
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.Poll(fds, pollMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("inotify poll: %w", err)
		}
		if n == 0 {
			continue
		}

		// drain everything queued for this wake
		for {
			n, err := unix.Read(w.fd, buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					break
				}
				return fmt.Errorf("inotify read: %w", err)
			}
			if n <= 0 {
				break
			}
			for _, c := range parseEvents(buf[:n], byWD) {
				if !input.Emit(ctx, out, c) {
					return nil
				}
			}
		}
	}
}

func parseEvents(buf []byte, byWD map[int32][]*input.Route) []input.Candidate {
	var candidates []input.Candidate
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(ev.Len)
		if nameEnd > len(buf) {
			break
		}
		name := string(bytes.TrimRight(buf[nameStart:nameEnd], "\x00"))
		offset = nameEnd

		if ev.Mask&unix.IN_Q_OVERFLOW != 0 {
			logrus.Warn("inotify event queue overflow")
			continue
		}
		if ev.Mask&unix.IN_ISDIR != 0 || name == "" {
			continue
		}
		for _, route := range byWD[ev.Wd] {
			candidates = append(candidates, input.Candidate{
				Path:  filepath.Join(route.Source.Dir, name),
				Route: route,
			})
		}
	}
	return candidates
}

// Close releases the inotify descriptor. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = unix.Close(w.fd)
	})
	return err
}
