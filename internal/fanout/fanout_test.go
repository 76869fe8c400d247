package fanout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/buffer"
	"github.com/MuchTitan/go-log-shipper/internal/filter"
	"github.com/MuchTitan/go-log-shipper/internal/metrics"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	outputfile "github.com/MuchTitan/go-log-shipper/internal/output/file"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileSink(id, path string, inputs ...string) internal.SinkSpec {
	return internal.SinkSpec{
		ID:     id,
		Type:   internal.SinkTypeFile,
		Inputs: inputs,
		Format: internal.FormatNDJSON,
		File:   &internal.FileOptions{Path: path},
	}
}

func TestResolve(t *testing.T) {
	sources := []internal.SourceSpec{{ID: "app"}, {ID: "web"}, {ID: "idle"}}
	sinks := []internal.SinkSpec{
		fileSink("all", "/out/all.ndjson", "app", "web"),
		fileSink("web-only", "/out/web.ndjson", "web"),
	}

	graph, err := Resolve(sources, sinks)
	require.NoError(t, err)
	assert.Len(t, graph, 3)
	assert.Len(t, graph["app"], 1)
	assert.Len(t, graph["web"], 2)
	assert.Empty(t, graph["idle"])

	_, err = Resolve(sources, []internal.SinkSpec{fileSink("bad", "/x", "nope")})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestWriteLineDropsLongLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := metrics.New()
	registry := output.NewRegistry(outputfile.New(fs))
	targets, err := Open(context.Background(), registry, buffer.NewManager(fs, "", m), m,
		[]internal.SinkSpec{fileSink("out", "/out/a.ndjson", "app")})
	require.NoError(t, err)

	require.NoError(t, targets.WriteLine([]byte("12345\n"), 5, nil))
	require.NoError(t, targets.WriteLine([]byte("123456\n"), 5, nil))
	require.NoError(t, targets.WriteLine([]byte("123"), 5, nil))
	require.NoError(t, targets.Close())

	data, err := afero.ReadFile(fs, "/out/a.ndjson")
	require.NoError(t, err)
	assert.Equal(t, "12345\n123", string(data))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LinesDropped.WithLabelValues(metrics.ReasonMaxBytes)))
}

func TestWriteLineAppliesGrep(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := metrics.New()
	registry := output.NewRegistry(outputfile.New(fs))
	targets, err := Open(context.Background(), registry, buffer.NewManager(fs, "", m), m,
		[]internal.SinkSpec{fileSink("out", "/out/a.ndjson", "app")})
	require.NoError(t, err)

	grep, err := filter.NewGrep([]string{"ERROR"}, nil, filter.OpAnd)
	require.NoError(t, err)

	require.NoError(t, targets.WriteLine([]byte("INFO ok\n"), 0, grep))
	require.NoError(t, targets.WriteLine([]byte("ERROR bad\n"), 0, grep))
	require.NoError(t, targets.Close())

	data, _ := afero.ReadFile(fs, "/out/a.ndjson")
	assert.Equal(t, "ERROR bad\n", string(data))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LinesDropped.WithLabelValues(metrics.ReasonFilter)))
}

func TestOpenDeduplicatesByKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := output.NewRegistry(outputfile.New(fs))
	sinks := []internal.SinkSpec{
		fileSink("first", "/out/same.ndjson", "app"),
		fileSink("second", "/out/same.ndjson", "app"),
		fileSink("other", "/out/other.ndjson", "app"),
	}

	targets, err := Open(context.Background(), registry, buffer.NewManager(fs, "", nil), nil, sinks)
	require.NoError(t, err)
	assert.Equal(t, 2, targets.Len())
	assert.Equal(t, "first", targets.list[0].Spec.ID)

	require.NoError(t, targets.WriteLine([]byte("x\n"), 0, nil))
	require.NoError(t, targets.Close())

	data, _ := afero.ReadFile(fs, "/out/same.ndjson")
	assert.Equal(t, "x\n", string(data))
	data, _ = afero.ReadFile(fs, "/out/other.ndjson")
	assert.Equal(t, "x\n", string(data))
}

func TestBatchedSinkWritesThroughBuffer(t *testing.T) {
	fs := afero.NewMemMapFs()
	buffers := buffer.NewManager(fs, "/spill", nil)
	registry := output.NewRegistry(outputfile.New(fs))
	sink := fileSink("batched", "/out/b.ndjson", "app")
	sink.Batch = &internal.BatchPolicy{MaxBytes: 1 << 20, MaxWait: time.Hour}

	targets, err := Open(context.Background(), registry, buffers, nil, []internal.SinkSpec{sink})
	require.NoError(t, err)
	assert.Nil(t, targets.list[0].Writer)

	require.NoError(t, targets.WriteLine([]byte("buffered\n"), 0, nil))
	require.NoError(t, targets.Close())

	exists, _ := afero.Exists(fs, "/out/b.ndjson")
	assert.False(t, exists)

	require.NoError(t, buffers.Close(context.Background()))
	data, _ := afero.ReadFile(fs, "/out/b.ndjson")
	assert.Equal(t, "buffered\n", string(data))
}

type fakeDriver struct {
	kind       string
	prepareErr error
	formatErr  error
	closed     int
	written    bytes.Buffer
}

func (d *fakeDriver) Type() string                            { return d.kind }
func (d *fakeDriver) UniqueKey(spec internal.SinkSpec) string { return d.kind + "|" + spec.ID }
func (d *fakeDriver) Prepare(internal.SinkSpec) error         { return d.prepareErr }

func (d *fakeDriver) FormatLine(line []byte, _ internal.SinkSpec) ([]byte, bool, error) {
	if d.formatErr != nil {
		return nil, false, d.formatErr
	}
	return line, true, nil
}

func (d *fakeDriver) OpenWriter(context.Context, internal.SinkSpec) (io.WriteCloser, error) {
	return &fakeWriter{d: d}, nil
}

type fakeWriter struct{ d *fakeDriver }

func (w *fakeWriter) Write(p []byte) (int, error) { return w.d.written.Write(p) }
func (w *fakeWriter) Close() error {
	w.d.closed++
	return nil
}

func TestOpenPrepareFailureClosesOpenedWriters(t *testing.T) {
	good := &fakeDriver{kind: "good"}
	bad := &fakeDriver{kind: "bad", prepareErr: errors.New("no permission")}
	registry := output.NewRegistry(good, bad)

	sinks := []internal.SinkSpec{
		{ID: "a", Type: "good"},
		{ID: "b", Type: "bad"},
	}
	_, err := Open(context.Background(), registry, nil, nil, sinks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no permission")
	assert.Equal(t, 1, good.closed)
}

func TestOpenUnknownSinkType(t *testing.T) {
	_, err := Open(context.Background(), output.NewRegistry(), nil, nil, []internal.SinkSpec{{ID: "x", Type: "kafka"}})
	assert.ErrorIs(t, err, output.ErrUnknownSinkType)
}

func TestWriteLineUnsupportedFormat(t *testing.T) {
	d := &fakeDriver{kind: "fake", formatErr: output.ErrUnsupportedFormat}
	targets, err := Open(context.Background(), output.NewRegistry(d), nil, nil, []internal.SinkSpec{{ID: "x", Type: "fake"}})
	require.NoError(t, err)

	err = targets.WriteLine([]byte("x\n"), 0, nil)
	assert.ErrorIs(t, err, output.ErrUnsupportedFormat)
	require.NoError(t, targets.Close())
	assert.Equal(t, 1, d.closed)
}

func TestOpenHoldsSinkLocksUntilClose(t *testing.T) {
	d := &fakeDriver{kind: "fake"}
	buffers := buffer.NewManager(afero.NewMemMapFs(), "", nil)
	sinks := []internal.SinkSpec{{ID: "x", Type: "fake"}}

	targets, err := Open(context.Background(), output.NewRegistry(d), buffers, nil, sinks)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		unlock := buffers.LockSink("fake|x")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("sink lock taken while targets are open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, targets.Close())
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("sink lock not released by Close")
	}
}

func TestOpenFailureReleasesSinkLocks(t *testing.T) {
	good := &fakeDriver{kind: "good"}
	bad := &fakeDriver{kind: "bad", prepareErr: errors.New("no permission")}
	buffers := buffer.NewManager(afero.NewMemMapFs(), "", nil)
	sinks := []internal.SinkSpec{{ID: "a", Type: "good"}, {ID: "b", Type: "bad"}}

	_, err := Open(context.Background(), output.NewRegistry(good, bad), buffers, nil, sinks)
	require.Error(t, err)

	// both locks are free again
	buffers.LockSink("good|a")()
	buffers.LockSink("bad|b")()
}
