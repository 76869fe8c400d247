package outputsplunk

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

const rawEndpoint = "/services/collector/raw"

// Driver posts each writer session to the HEC raw endpoint as one request.
type Driver struct {
	secure   *http.Client
	insecure *http.Client
}

func New() *Driver {
	return &Driver{
		secure: &http.Client{Timeout: 30 * time.Second},
		insecure: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (d *Driver) Type() string {
	return internal.SinkTypeSplunk
}

func (d *Driver) UniqueKey(spec internal.SinkSpec) string {
	opts := optionsOf(spec)
	maxBytes, maxWait := spec.BatchFields()
	return strings.Join([]string{opts.URL, opts.Index, opts.SourceType, spec.Format, spec.Compression, maxBytes, maxWait}, "|")
}

func (d *Driver) Prepare(spec internal.SinkSpec) error {
	opts := optionsOf(spec)
	if opts.URL == "" {
		return errors.New("splunk url is required")
	}
	if opts.Token == "" {
		return errors.New("splunk token is required")
	}
	return nil
}

func (d *Driver) FormatLine(line []byte, spec internal.SinkSpec) ([]byte, bool, error) {
	return output.FormatNDJSON(line, spec)
}

func (d *Driver) OpenWriter(ctx context.Context, spec internal.SinkSpec) (io.WriteCloser, error) {
	opts := optionsOf(spec)
	endpoint, err := endpointURL(opts)
	if err != nil {
		return nil, err
	}
	client := d.secure
	if !opts.VerifyTLS {
		client = d.insecure
	}
	return &writer{
		ctx:      ctx,
		client:   client,
		endpoint: endpoint,
		token:    opts.Token,
		compress: spec.Compression == internal.CompressionGzip,
	}, nil
}

func optionsOf(spec internal.SinkSpec) internal.SplunkOptions {
	if spec.Splunk == nil {
		return internal.SplunkOptions{}
	}
	return *spec.Splunk
}

func endpointURL(opts internal.SplunkOptions) (string, error) {
	u, err := url.Parse(strings.TrimRight(opts.URL, "/") + rawEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid splunk url: %w", err)
	}
	q := u.Query()
	if opts.Index != "" {
		q.Set("index", opts.Index)
	}
	if opts.SourceType != "" {
		q.Set("sourcetype", opts.SourceType)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type writer struct {
	ctx      context.Context
	client   *http.Client
	endpoint string
	token    string
	compress bool
	buffer   bytes.Buffer
	closed   bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.buffer.Write(p)
}

func (w *writer) Close() error {
	if w.closed || w.buffer.Len() == 0 {
		w.closed = true
		return nil
	}
	w.closed = true

	body := &w.buffer
	if w.compress {
		var compressed bytes.Buffer
		gz := gzip.NewWriter(&compressed)
		if _, err := gz.Write(w.buffer.Bytes()); err != nil {
			return fmt.Errorf("error during gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return err
		}
		body = &compressed
	}

	req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, w.endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+w.token)
	req.Header.Set("Content-Type", "text/plain")
	if w.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		logrus.WithFields(logrus.Fields{
			"url":    w.endpoint,
			"status": res.Status,
			"body":   string(respBody),
		}).Debug("splunk request failed")
		return fmt.Errorf("splunk returned status: %s", res.Status)
	}
	return nil
}
