package outputgelf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"
)

type fakeGELF struct {
	messages []*gelf.Message
	closed   bool
	failOn   string
}

func (f *fakeGELF) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakeGELF) WriteMessage(m *gelf.Message) error {
	if f.failOn != "" && m.Short == f.failOn {
		f.failOn = ""
		return errors.New("connection reset")
	}
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeGELF) Close() error {
	f.closed = true
	return nil
}

func gelfSpec() internal.SinkSpec {
	return internal.SinkSpec{
		Type:   internal.SinkTypeGELF,
		Format: internal.FormatNDJSON,
		GELF:   &internal.GELFOptions{Address: "127.0.0.1:12201", Mode: "udp", Host: "node-1"},
	}
}

func TestDriver_Prepare(t *testing.T) {
	d := New(nil)
	assert.NoError(t, d.Prepare(gelfSpec()))

	spec := gelfSpec()
	spec.GELF.Mode = "http"
	assert.Error(t, d.Prepare(spec))

	spec = gelfSpec()
	spec.GELF.Address = ""
	assert.Error(t, d.Prepare(spec))
}

func TestDriver_UniqueKey(t *testing.T) {
	d := New(nil)
	tcp := gelfSpec()
	tcp.GELF.Mode = "tcp"
	assert.NotEqual(t, d.UniqueKey(gelfSpec()), d.UniqueKey(tcp))
	assert.Equal(t, d.UniqueKey(gelfSpec()), d.UniqueKey(gelfSpec()))
}

func TestWriter_SplitsChunksIntoMessages(t *testing.T) {
	fake := &fakeGELF{}
	var dialedMode, dialedAddr string
	d := New(func(mode, addr string) (gelf.Writer, error) {
		dialedMode, dialedAddr = mode, addr
		return fake, nil
	})
	d.now = func() time.Time { return time.Unix(1700000000, 0) }

	w, err := d.OpenWriter(context.Background(), gelfSpec())
	require.NoError(t, err)
	assert.Equal(t, "udp", dialedMode)
	assert.Equal(t, "127.0.0.1:12201", dialedAddr)

	_, err = w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ond\r\n\nthird"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Len(t, fake.messages, 3)
	assert.Equal(t, "first", fake.messages[0].Short)
	assert.Equal(t, "second", fake.messages[1].Short)
	assert.Equal(t, "third", fake.messages[2].Short)
	assert.Equal(t, "node-1", fake.messages[0].Host)
	assert.Equal(t, float64(1700000000), fake.messages[0].TimeUnix)
	assert.True(t, fake.closed)
}

func TestWriter_CloseWithoutWrites(t *testing.T) {
	fake := &fakeGELF{}
	d := New(func(string, string) (gelf.Writer, error) { return fake, nil })

	w, err := d.OpenWriter(context.Background(), gelfSpec())
	require.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.Empty(t, fake.messages)
	assert.True(t, fake.closed)
}

func TestDial_UnsupportedMode(t *testing.T) {
	_, err := Dial("quic", "127.0.0.1:1")
	assert.Error(t, err)
}

func TestWriter_SendFailureDropsSentLines(t *testing.T) {
	fake := &fakeGELF{failOn: "two"}
	d := New(func(string, string) (gelf.Writer, error) { return fake, nil })

	w, err := d.OpenWriter(context.Background(), gelfSpec())
	require.NoError(t, err)

	_, err = w.Write([]byte("ze"))
	require.NoError(t, err)

	chunk := []byte("ro\none\ntwo\nthree\n")
	n, err := w.Write(chunk)
	require.Error(t, err)
	assert.Equal(t, len("ro\none\n"), n)

	// the caller retries the unconsumed bytes
	_, err = w.Write(chunk[n:])
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var got []string
	for _, m := range fake.messages {
		got = append(got, m.Short)
	}
	assert.Equal(t, []string{"zero", "one", "two", "three"}, got)
}
