package inputtail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const chunkSize = 8 * 1024

// ReadLines seeks r to offset and calls emit for every line up to EOF. Lines
// keep their trailing newline; bytes after the last newline are emitted as a
// final line without one. The returned position is where reading stopped.
func ReadLines(r io.ReadSeeker, offset int64, emit func(line []byte) error) (int64, error) {
	pos, err := r.Seek(offset, io.SeekStart)
	if err != nil {
		return offset, fmt.Errorf("seek to %d: %w", offset, err)
	}

	chunk := make([]byte, chunkSize)
	var carry []byte
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			pos += int64(n)
			carry = append(carry, chunk[:n]...)
			for {
				i := bytes.IndexByte(carry, '\n')
				if i < 0 {
					break
				}
				if err := emit(carry[:i+1]); err != nil {
					return pos, err
				}
				carry = carry[i+1:]
			}
			// reclaim the consumed prefix
			if len(carry) == 0 {
				carry = carry[:0:0]
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return pos, fmt.Errorf("read: %w", readErr)
			}
			break
		}
	}

	if len(carry) > 0 {
		if err := emit(carry); err != nil {
			return pos, err
		}
	}
	return pos, nil
}
