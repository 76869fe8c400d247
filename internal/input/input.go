// Package input defines how watch strategies report files that may hold new
// data.
package input

import (
	"context"
	"errors"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/filter"
)

// ErrUnsupported is returned when a watch strategy cannot run on this
// platform.
var ErrUnsupported = errors.New("watch strategy not supported")

// Route binds a watched source to its sinks and line filter.
type Route struct {
	Source internal.SourceSpec
	Sinks  []internal.SinkSpec
	Filter *filter.Grep
}

// Candidate is a path that should be checked for new data.
type Candidate struct {
	Path  string
	Route *Route
}

// Watcher emits candidates on out until ctx is canceled or it fails.
type Watcher interface {
	Name() string
	Watch(ctx context.Context, routes []*Route, out chan<- Candidate) error
}

// Emit sends c unless ctx is done first.
func Emit(ctx context.Context, out chan<- Candidate, c Candidate) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
