package conversation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/creativebastard/kimi-rcli/internal/jsonl"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

type recordType string

const (
	recordMessage    recordType = "message"
	recordCheckpoint recordType = "checkpoint"
	recordRevert     recordType = "revert"
	recordClear      recordType = "clear"
)

// record is one line of the context journal. Reverts and clears are
// markers; the journal is never rewritten.
type record struct {
	Type    recordType          `json:"type"`
	ID      CheckpointID        `json:"id,omitempty"`
	Message *unifiedllm.Message `json:"message,omitempty"`
	// Length is the history length a revert restores. It lets replay
	// honor a revert whose checkpoint record failed to reach the journal.
	Length *int `json:"length,omitempty"`
}

// Journal is an append-only JSONL file mirroring a Context.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJournal opens path for appending, creating it when missing. A torn
// final line left by an interrupted write is cut off first.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open context journal: %w", err)
	}
	if _, err := jsonl.TrimTornTail(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("open context journal: %w", err)
	}
	return &Journal{path: path, file: f}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// write encodes recs and appends them with a single write call.
func (j *Journal) write(recs ...record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode %s record: %w", r.Type, err)
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("context journal is closed")
	}
	if _, err := j.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write context journal: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// replay reads path and calls fn for each record. A missing file has no
// records. A final line that does not decode is the remains of an
// interrupted write: it is logged and skipped. Anywhere else it is an error.
func replay(path string, logger *slog.Logger, fn func(line int, r record) error) error {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open context journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Tool outputs and data URLs make for long lines.
	const maxCapacity = 16 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	var (
		line    int
		badLine int
		badErr  error
	)
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		if badErr != nil {
			return fmt.Errorf("context journal line %d: %w", badLine, badErr)
		}
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			badLine, badErr = line, err
			continue
		}
		if err := fn(line, r); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan context journal: %w", err)
	}
	if badErr != nil {
		logger.Warn("discarding torn context journal tail", "path", path, "line", badLine, "error", badErr)
	}
	return nil
}
