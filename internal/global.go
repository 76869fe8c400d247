package internal

import (
	"strconv"
	"time"
)

const (
	SourceTypeFile = "file"

	SinkTypeFile   = "file"
	SinkTypeS3     = "s3"
	SinkTypeGELF   = "gelf"
	SinkTypeSplunk = "splunk"
	SinkTypeStdout = "stdout"

	FormatNDJSON      = "ndjson"
	CompressionGzip   = "gzip"
	DefaultDoneSuffix = ".done"
)

// FileIdentity identifies a file across renames on one file system.
type FileIdentity struct {
	Device uint64
	Inode  uint64
}

// SourceSpec is a normalized watched directory.
type SourceSpec struct {
	ID         string
	Type       string
	Dir        string
	MaxBytes   int // 0 means no limit
	DoneSuffix string
	Include    []string
	Exclude    []string
	Op         string
}

// BatchPolicy enables spill buffering for a sink. Both fields are always set.
type BatchPolicy struct {
	MaxBytes int64
	MaxWait  time.Duration
}

type FileOptions struct {
	Dir    string
	Prefix string
	Path   string // generated once at load time
}

type S3Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type S3Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	Credentials  *S3Credentials
}

type GELFOptions struct {
	Address string
	Mode    string // udp or tcp
	Host    string
}

type SplunkOptions struct {
	URL        string
	Token      string
	Index      string
	SourceType string
	VerifyTLS  bool
}

type StdoutOptions struct {
	Colors bool
}

// SinkSpec is an immutable description of one destination. Exactly one of the
// kind blocks (File, S3, GELF, Splunk, Stdout) is set, matching Type.
type SinkSpec struct {
	ID          string
	Type        string
	Inputs      []string
	Format      string
	Compression string
	Batch       *BatchPolicy

	File   *FileOptions
	S3     *S3Options
	GELF   *GELFOptions
	Splunk *SplunkOptions
	Stdout *StdoutOptions
}

// Buffered reports whether lines for this sink go through a spill buffer.
func (s SinkSpec) Buffered() bool {
	return s.Batch != nil
}

// BatchFields renders the batch policy for unique keys; empty when unbuffered.
func (s SinkSpec) BatchFields() (maxBytes, maxWait string) {
	if s.Batch == nil {
		return "", ""
	}
	return strconv.FormatInt(s.Batch.MaxBytes, 10), strconv.FormatInt(int64(s.Batch.MaxWait/time.Second), 10)
}
