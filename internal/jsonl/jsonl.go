// Package jsonl holds helpers shared by the append-only JSONL logs.
package jsonl

import (
	"bytes"
	"fmt"
	"os"
)

const tailChunk = 4096

// TrimTornTail truncates f after its last newline so that a line left
// half-written by a crash is not extended by the next append. It returns the
// number of bytes discarded. f must be open for reading and writing.
func TrimTornTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	size := info.Size()
	buf := make([]byte, tailChunk)
	for end := size; end > 0; {
		start := max(end-tailChunk, 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil {
			return 0, fmt.Errorf("read %s: %w", f.Name(), err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return truncate(f, size, start+int64(i)+1)
		}
		end = start
	}
	return truncate(f, size, 0)
}

func truncate(f *os.File, size, at int64) (int64, error) {
	if at == size {
		return 0, nil
	}
	if err := f.Truncate(at); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", f.Name(), err)
	}
	return size - at, nil
}
