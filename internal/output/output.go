package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/MuchTitan/go-log-shipper/internal"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported sink format")
	ErrUnknownSinkType   = errors.New("unsupported sink type")
)

// Driver is implemented once per destination kind. The engine only talks to
// sinks through this interface.
type Driver interface {
	Type() string
	// UniqueKey must cover every field that changes where or how data lands,
	// including the batch policy.
	UniqueKey(spec internal.SinkSpec) string
	// Prepare is idempotent setup that runs before any line is written.
	Prepare(spec internal.SinkSpec) error
	// FormatLine returns the payload for line. ok=false drops the line for
	// this sink only.
	FormatLine(line []byte, spec internal.SinkSpec) (formatted []byte, ok bool, err error)
	// OpenWriter returns a writer whose Close is safe without prior writes and
	// releases every underlying resource.
	OpenWriter(ctx context.Context, spec internal.SinkSpec) (io.WriteCloser, error)
}

// Registry maps sink type tags to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the driver for d.Type().
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Type()] = d
}

func (r *Registry) Get(sinkType string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[sinkType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSinkType, sinkType)
	}
	return d, nil
}

// Types lists registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// FormatNDJSON passes ndjson lines through untouched.
func FormatNDJSON(line []byte, spec internal.SinkSpec) ([]byte, bool, error) {
	format := spec.Format
	if format == "" {
		format = internal.FormatNDJSON
	}
	if format != internal.FormatNDJSON {
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return line, true, nil
}

// NopCloser is a writer session without resources to release.
type NopCloser struct {
	io.Writer
}

func (NopCloser) Close() error { return nil }
