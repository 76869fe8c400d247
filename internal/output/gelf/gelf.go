package outputgelf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	"github.com/MuchTitan/go-log-shipper/internal/util"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"
)

// Dialer opens a GELF connection; mode is "udp" or "tcp".
type Dialer func(mode, addr string) (gelf.Writer, error)

func Dial(mode, addr string) (gelf.Writer, error) {
	switch mode {
	case "udp":
		return gelf.NewUDPWriter(addr)
	case "tcp":
		return gelf.NewTCPWriter(addr)
	default:
		return nil, fmt.Errorf("unsupported mode: %s", mode)
	}
}

// Driver ships every line as one GELF message.
type Driver struct {
	dial Dialer
	now  func() time.Time
}

func New(dial Dialer) *Driver {
	if dial == nil {
		dial = Dial
	}
	return &Driver{dial: dial, now: time.Now}
}

func (d *Driver) Type() string {
	return internal.SinkTypeGELF
}

func (d *Driver) UniqueKey(spec internal.SinkSpec) string {
	opts := optionsOf(spec)
	maxBytes, maxWait := spec.BatchFields()
	return strings.Join([]string{opts.Mode, opts.Address, opts.Host, spec.Format, spec.Compression, maxBytes, maxWait}, "|")
}

func (d *Driver) Prepare(spec internal.SinkSpec) error {
	opts := optionsOf(spec)
	if opts.Address == "" {
		return errors.New("gelf sink requires an address")
	}
	if opts.Mode != "udp" && opts.Mode != "tcp" {
		return fmt.Errorf("mode: '%v' is not supported", opts.Mode)
	}
	return nil
}

func (d *Driver) FormatLine(line []byte, spec internal.SinkSpec) ([]byte, bool, error) {
	return output.FormatNDJSON(line, spec)
}

func (d *Driver) OpenWriter(_ context.Context, spec internal.SinkSpec) (io.WriteCloser, error) {
	opts := optionsOf(spec)
	w, err := d.dial(opts.Mode, opts.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", opts.Mode, err)
	}
	return &writer{gelf: w, host: opts.Host, now: d.now}, nil
}

func optionsOf(spec internal.SinkSpec) internal.GELFOptions {
	if spec.GELF == nil {
		return internal.GELFOptions{}
	}
	return *spec.GELF
}

// writer turns a byte stream back into lines; a partial line is held until
// the next Write or Close.
type writer struct {
	gelf    gelf.Writer
	host    string
	now     func() time.Time
	pending []byte
}

// Write sends every complete line. When a send fails, lines already sent
// are dropped from pending and n counts the bytes of p they used; the rest of
// p is not kept.
func (w *writer) Write(p []byte) (int, error) {
	held := len(w.pending)
	w.pending = append(w.pending, p...)
	sent := 0
	for {
		i := bytes.IndexByte(w.pending[sent:], '\n')
		if i < 0 {
			break
		}
		end := sent + i + 1
		if err := w.send(w.pending[sent:end]); err != nil {
			n := max(sent-held, 0)
			w.pending = w.pending[sent:max(sent, held)]
			return n, err
		}
		sent = end
	}
	w.pending = w.pending[sent:]
	return len(p), nil
}

func (w *writer) send(line []byte) error {
	short := util.TrimEOL(line)
	if len(short) == 0 {
		return nil
	}
	msg := gelf.Message{
		Version:  "1.1",
		Host:     w.host,
		Short:    string(short),
		TimeUnix: float64(w.now().UnixNano()) / float64(time.Second),
		Level:    gelf.LOG_INFO,
		Extra:    make(map[string]any),
	}
	return w.gelf.WriteMessage(&msg)
}

func (w *writer) Close() error {
	var sendErr error
	if len(w.pending) > 0 {
		sendErr = w.send(w.pending)
		w.pending = nil
	}
	closeErr := w.gelf.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}
