package util

import (
	"bytes"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const datedLayout = "20060102-150405"

// ResolvePath makes path absolute relative to baseDir. An empty path resolves
// to baseDir itself.
func ResolvePath(path, baseDir string) string {
	if path == "" {
		return baseDir
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(baseDir, path)
}

// TrimEOL strips every trailing \r and \n.
func TrimEOL(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}

// FormatExtension returns the file extension for a format/compression pair,
// e.g. "ndjson.gz".
func FormatExtension(format, compression string) string {
	base := ""
	if format == "ndjson" {
		base = "ndjson"
	}
	if compression == "gzip" {
		if base == "" {
			return "gz"
		}
		return base + ".gz"
	}
	return base
}

// DatedName builds "prefix-YYYYmmdd-HHMMSS-xxxxxx.ext". The random part is taken
// from a fresh UUID.
func DatedName(prefix, ext string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	name := now.Format(datedLayout) + "-" + suffix

	prefix = strings.TrimSpace(prefix)
	if prefix != "" {
		name = prefix + "-" + name
	}
	if ext != "" {
		name += "." + ext
	}
	return name
}
