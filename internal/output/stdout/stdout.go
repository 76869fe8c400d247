package outputstdout

import (
	"bytes"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/output"
)

// Stdout writes lines to the process output. Mostly useful for debugging a
// pipeline.
type Stdout struct {
	mutex sync.Mutex // Ensures atomic writes to out
	out   io.Writer
}

func New(out io.Writer) *Stdout {
	if out == nil {
		out = os.Stdout
	}
	return &Stdout{out: out}
}

func (s *Stdout) Type() string {
	return internal.SinkTypeStdout
}

func (s *Stdout) UniqueKey(spec internal.SinkSpec) string {
	maxBytes, maxWait := spec.BatchFields()
	return strings.Join([]string{"stdout", spec.Format, strconv.FormatBool(colorsOf(spec)), maxBytes, maxWait}, "|")
}

func (s *Stdout) Prepare(internal.SinkSpec) error {
	return nil
}

func (s *Stdout) FormatLine(line []byte, spec internal.SinkSpec) ([]byte, bool, error) {
	formatted, ok, err := output.FormatNDJSON(line, spec)
	if err != nil || !ok || !colorsOf(spec) {
		return formatted, ok, err
	}
	return colorize(formatted), true, nil
}

func (s *Stdout) OpenWriter(context.Context, internal.SinkSpec) (io.WriteCloser, error) {
	return output.NopCloser{Writer: s}, nil
}

func (s *Stdout) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.out.Write(p)
}

func colorsOf(spec internal.SinkSpec) bool {
	return spec.Stdout != nil && spec.Stdout.Colors
}

// colorize wraps the line content in an ANSI color picked from its log level,
// keeping the line terminator outside the escape sequence.
func colorize(line []byte) []byte {
	const (
		colorReset  = "\033[0m"
		colorRed    = "\033[31m"
		colorGreen  = "\033[32m"
		colorYellow = "\033[33m"
		colorBlue   = "\033[34m"
	)

	content := bytes.TrimRight(line, "\r\n")
	eol := line[len(content):]
	lower := bytes.ToLower(content)

	color := colorBlue
	switch {
	case bytes.Contains(lower, []byte("error")):
		color = colorRed
	case bytes.Contains(lower, []byte("warn")):
		color = colorYellow
	case bytes.Contains(lower, []byte("info")):
		color = colorGreen
	}

	out := make([]byte, 0, len(line)+len(color)+len(colorReset))
	out = append(out, color...)
	out = append(out, content...)
	out = append(out, colorReset...)
	return append(out, eol...)
}
