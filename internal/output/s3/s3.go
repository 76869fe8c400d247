package outputs3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	"github.com/MuchTitan/go-log-shipper/internal/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	defaultRegion     = "us-east-1"
	ndjsonContentType = "application/x-ndjson"
)

var errNoBucket = errors.New("S3 bucket is required for s3 sink")

// PutObjectAPI is the part of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientFactory builds a client for the connection settings of opts.
type ClientFactory func(ctx context.Context, opts internal.S3Options) (PutObjectAPI, error)

// Driver uploads every writer session as one object.
type Driver struct {
	fs      afero.Fs
	factory ClientFactory
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]PutObjectAPI
}

func New(fs afero.Fs, factory ClientFactory) *Driver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if factory == nil {
		factory = NewClient
	}
	return &Driver{
		fs:      fs,
		factory: factory,
		now:     time.Now,
		clients: make(map[string]PutObjectAPI),
	}
}

func (d *Driver) Type() string {
	return internal.SinkTypeS3
}

func (d *Driver) UniqueKey(spec internal.SinkSpec) string {
	opts := optionsOf(spec)
	maxBytes, maxWait := spec.BatchFields()
	accessKey := ""
	if opts.Credentials != nil {
		accessKey = opts.Credentials.AccessKeyID
	}

	// json.Marshal emits struct fields in declaration order, so the hash is stable.
	payload, _ := json.Marshal(struct {
		Bucket        string `json:"bucket"`
		Prefix        string `json:"prefix"`
		Format        string `json:"format"`
		Compression   string `json:"compression"`
		Region        string `json:"region"`
		Endpoint      string `json:"endpoint"`
		PathStyle     bool   `json:"use_path_style_endpoint"`
		AccessKeyID   string `json:"access_key_id"`
		BatchMaxBytes string `json:"batch_max_bytes"`
		BatchMaxWaitS string `json:"batch_max_wait_seconds"`
	}{
		opts.Bucket, opts.Prefix, spec.Format, spec.Compression, opts.Region,
		opts.Endpoint, opts.UsePathStyle, accessKey, maxBytes, maxWait,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (d *Driver) Prepare(spec internal.SinkSpec) error {
	if optionsOf(spec).Bucket == "" {
		return errNoBucket
	}
	return nil
}

func (d *Driver) FormatLine(line []byte, spec internal.SinkSpec) ([]byte, bool, error) {
	return output.FormatNDJSON(line, spec)
}

func (d *Driver) OpenWriter(ctx context.Context, spec internal.SinkSpec) (io.WriteCloser, error) {
	opts := optionsOf(spec)
	if opts.Bucket == "" {
		return nil, errNoBucket
	}

	client, err := d.client(ctx, opts)
	if err != nil {
		return nil, err
	}

	tmp, err := afero.TempFile(d.fs, "", "logship-s3-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for S3 writer: %w", err)
	}

	w := &writer{
		ctx:    ctx,
		fs:     d.fs,
		client: client,
		bucket: opts.Bucket,
		key:    ObjectKey(opts.Prefix, spec.Format, spec.Compression, d.now()),
		file:   tmp,
		sink:   tmp,
	}
	if spec.Format == internal.FormatNDJSON || spec.Format == "" {
		w.contentType = ndjsonContentType
	}
	if spec.Compression == internal.CompressionGzip {
		w.contentEncoding = internal.CompressionGzip
		w.gz = gzip.NewWriter(tmp)
		w.sink = w.gz
	}
	return w, nil
}

func (d *Driver) client(ctx context.Context, opts internal.S3Options) (PutObjectAPI, error) {
	key := clientKey(opts)

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c, nil
	}
	c, err := d.factory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	d.clients[key] = c
	return c, nil
}

func clientKey(opts internal.S3Options) string {
	pathStyle := "0"
	if opts.UsePathStyle {
		pathStyle = "1"
	}
	accessKey := ""
	if opts.Credentials != nil {
		accessKey = opts.Credentials.AccessKeyID
	}
	return strings.Join([]string{opts.Region, opts.Endpoint, pathStyle, accessKey}, "|")
}

func optionsOf(spec internal.SinkSpec) internal.S3Options {
	if spec.S3 == nil {
		return internal.S3Options{}
	}
	return *spec.S3
}

// ObjectKey builds "prefix-YYYYmmdd-HHMMSS-xxxxxx.ext". A prefix ending in "/"
// acts as a folder instead.
func ObjectKey(prefix, format, compression string, now time.Time) string {
	ext := util.FormatExtension(format, compression)
	prefix = strings.TrimSpace(prefix)
	if strings.HasSuffix(prefix, "/") {
		return strings.TrimRight(prefix, "/") + "/" + util.DatedName("", ext, now)
	}
	return util.DatedName(prefix, ext, now)
}

// NewClient creates an S3 client from the default AWS config chain, overridden
// by the sink's region, endpoint, path style and static credentials.
func NewClient(ctx context.Context, opts internal.S3Options) (PutObjectAPI, error) {
	region := firstNonEmpty(opts.Region, os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION"), defaultRegion)
	endpoint := firstNonEmpty(opts.Endpoint, os.Getenv("AWS_ENDPOINT_URL"))

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if c := opts.Credentials; c != nil && c.AccessKeyID != "" && c.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// writer spools the session into a temp file and uploads it on Close.
type writer struct {
	ctx             context.Context
	fs              afero.Fs
	client          PutObjectAPI
	bucket          string
	key             string
	contentType     string
	contentEncoding string

	file   afero.File
	gz     *gzip.Writer
	sink   io.Writer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	return w.sink.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	path := w.file.Name()
	defer func() {
		w.file.Close()
		if err := w.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			logrus.WithField("path", path).WithError(err).Warn("could not remove S3 temp file")
		}
	}()

	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}

	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(w.key),
		Body:          w.file,
		ContentLength: aws.Int64(info.Size()),
	}
	if w.contentType != "" {
		input.ContentType = aws.String(w.contentType)
	}
	if w.contentEncoding != "" {
		input.ContentEncoding = aws.String(w.contentEncoding)
	}

	if _, err := w.client.PutObject(w.ctx, input); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", w.bucket, w.key, err)
	}
	logrus.WithFields(logrus.Fields{"bucket": w.bucket, "key": w.key, "bytes": info.Size()}).Debug("uploaded object")
	return nil
}
