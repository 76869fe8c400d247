package outputfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

var errNoPath = errors.New("sink path is required for file driver")

// Driver appends lines to a local file, optionally gzip compressed.
type Driver struct {
	fs afero.Fs
}

func New(fs afero.Fs) *Driver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Driver{fs: fs}
}

func (d *Driver) Type() string {
	return internal.SinkTypeFile
}

func (d *Driver) UniqueKey(spec internal.SinkSpec) string {
	maxBytes, maxWait := spec.BatchFields()
	return strings.Join([]string{pathOf(spec), spec.Format, spec.Compression, maxBytes, maxWait}, "|")
}

func (d *Driver) Prepare(spec internal.SinkSpec) error {
	path := pathOf(spec)
	if path == "" {
		return errNoPath
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create sink directory %s: %w", dir, err)
	}
	return nil
}

func (d *Driver) FormatLine(line []byte, spec internal.SinkSpec) ([]byte, bool, error) {
	return output.FormatNDJSON(line, spec)
}

func (d *Driver) OpenWriter(_ context.Context, spec internal.SinkSpec) (io.WriteCloser, error) {
	path := pathOf(spec)
	if path == "" {
		return nil, errNoPath
	}

	f, err := d.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open sink file: %w", err)
	}

	if spec.Compression == internal.CompressionGzip {
		return &gzipWriter{file: f, gz: gzip.NewWriter(f)}, nil
	}
	return f, nil
}

func pathOf(spec internal.SinkSpec) string {
	if spec.File == nil {
		return ""
	}
	return spec.File.Path
}

// gzipWriter appends one gzip member per session. Readers that handle
// multistream gzip (gzip -d, Go's gzip.Reader) see the concatenated content.
type gzipWriter struct {
	file afero.File
	gz   *gzip.Writer
}

func (w *gzipWriter) Write(p []byte) (int, error) {
	return w.gz.Write(p)
}

func (w *gzipWriter) Close() error {
	gzErr := w.gz.Close()
	fileErr := w.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
