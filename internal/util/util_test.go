package util

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolvePath(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "etc", "logship")
	tests := []struct {
		name string
		path string
		want string
	}{
		{"Empty path", "", base},
		{"Relative path", "input", filepath.Join(base, "input")},
		{"Nested relative", "a/../b", filepath.Join(base, "b")},
		{"Absolute path", "/var/log/app", "/var/log/app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePath(tt.path, base))
		})
	}
}

func TestTrimEOL(t *testing.T) {
	assert.Equal(t, []byte("abc"), TrimEOL([]byte("abc\r\n")))
	assert.Equal(t, []byte("abc"), TrimEOL([]byte("abc\n")))
	assert.Equal(t, []byte("abc"), TrimEOL([]byte("abc")))
	assert.Empty(t, TrimEOL([]byte("\n")))
}

func TestFormatExtension(t *testing.T) {
	assert.Equal(t, "ndjson", FormatExtension("ndjson", ""))
	assert.Equal(t, "ndjson.gz", FormatExtension("ndjson", "gzip"))
	assert.Equal(t, "gz", FormatExtension("other", "gzip"))
	assert.Equal(t, "", FormatExtension("other", ""))
}

func TestDatedName(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	name := DatedName(" app ", "ndjson", now)
	assert.Regexp(t, regexp.MustCompile(`^app-20240309-140507-[0-9a-f]{6}\.ndjson$`), name)

	name = DatedName("", "", now)
	assert.Regexp(t, regexp.MustCompile(`^20240309-140507-[0-9a-f]{6}$`), name)

	assert.NotEqual(t, DatedName("x", "gz", now), DatedName("x", "gz", now))
}
