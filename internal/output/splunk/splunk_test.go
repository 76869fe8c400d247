package outputsplunk

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	path, query, auth, encoding string
	body                        string
}

func newHEC(t *testing.T, status int) (*httptest.Server, *[]captured) {
	var requests []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			reader = gz
		}
		body, _ := io.ReadAll(reader)
		requests = append(requests, captured{
			path:     r.URL.Path,
			query:    r.URL.RawQuery,
			auth:     r.Header.Get("Authorization"),
			encoding: r.Header.Get("Content-Encoding"),
			body:     string(body),
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func splunkSpec(url string) internal.SinkSpec {
	return internal.SinkSpec{
		Type:   internal.SinkTypeSplunk,
		Format: internal.FormatNDJSON,
		Splunk: &internal.SplunkOptions{URL: url, Token: "secret", Index: "main", SourceType: "_json"},
	}
}

func TestDriver_Prepare(t *testing.T) {
	d := New()
	assert.NoError(t, d.Prepare(splunkSpec("https://hec:8088")))

	spec := splunkSpec("https://hec:8088")
	spec.Splunk.Token = ""
	assert.Error(t, d.Prepare(spec))

	assert.Error(t, d.Prepare(splunkSpec("")))
}

func TestWriter_PostsBufferedChunk(t *testing.T) {
	srv, requests := newHEC(t, http.StatusOK)
	d := New()

	w, err := d.OpenWriter(context.Background(), splunkSpec(srv.URL))
	require.NoError(t, err)
	_, err = w.Write([]byte("{\"a\":1}\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("{\"a\":2}\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, rawEndpoint, req.path)
	assert.Equal(t, "index=main&sourcetype=_json", req.query)
	assert.Equal(t, "Splunk secret", req.auth)
	assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n", req.body)
}

func TestWriter_Gzip(t *testing.T) {
	srv, requests := newHEC(t, http.StatusOK)
	d := New()
	spec := splunkSpec(srv.URL)
	spec.Compression = internal.CompressionGzip

	w, err := d.OpenWriter(context.Background(), spec)
	require.NoError(t, err)
	_, err = w.Write([]byte("zipped\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Len(t, *requests, 1)
	assert.Equal(t, "gzip", (*requests)[0].encoding)
	assert.Equal(t, "zipped\n", (*requests)[0].body)
}

func TestWriter_EmptyCloseSendsNothing(t *testing.T) {
	srv, requests := newHEC(t, http.StatusOK)
	d := New()

	w, err := d.OpenWriter(context.Background(), splunkSpec(srv.URL))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Empty(t, *requests)
}

func TestWriter_ErrorStatus(t *testing.T) {
	srv, _ := newHEC(t, http.StatusForbidden)
	d := New()

	w, err := d.OpenWriter(context.Background(), splunkSpec(srv.URL))
	require.NoError(t, err)
	_, err = w.Write([]byte("x\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, w.Close(), "403")
}
