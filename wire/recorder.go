package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creativebastard/kimi-rcli/internal/jsonl"
)

// Record is one line of a wire log.
type Record struct {
	Timestamp float64  `json:"timestamp"`
	Message   Envelope `json:"message"`
}

// Time returns the record timestamp.
func (r Record) Time() time.Time {
	sec := int64(r.Timestamp)
	return time.Unix(sec, int64((r.Timestamp-float64(sec))*1e9))
}

// Event decodes the recorded event.
func (r Record) Event() (Event, error) {
	return FromEnvelope(r.Message)
}

// Recorder appends every merged event of a bus to a JSONL file.
type Recorder struct {
	file   *os.File
	enc    *json.Encoder
	sub    *Subscription
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
	now    func() time.Time

	started atomic.Bool
}

// NewRecorder opens path for appending and subscribes to the merged stream
// of bus. Call Run to start writing.
func NewRecorder(path string, bus *Bus, logger *slog.Logger) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wire log: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	discarded, err := jsonl.TrimTornTail(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open wire log: %w", err)
	}
	if discarded > 0 {
		logger.Warn("discarded torn wire log tail", "path", path, "bytes", discarded)
	}
	return &Recorder{
		file:   f,
		enc:    json.NewEncoder(f),
		sub:    bus.SubscribeMerged(),
		logger: logger,
		done:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Start runs the recorder in a new goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.started.Store(true)
	go r.Run(ctx)
}

// Run writes events until the bus is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	r.started.Store(true)
	defer close(r.done)
	for {
		ev, err := r.sub.Receive(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				r.logger.Warn("wire recorder stopped", "error", err)
			}
			return
		}
		if err := r.write(ev); err != nil {
			r.logger.Warn("wire record failed", "type", ev.EventType(), "error", err)
		}
	}
}

func (r *Recorder) write(ev Event) error {
	env, err := ToEnvelope(ev)
	if err != nil {
		return err
	}
	ts := float64(r.now().UnixNano()) / 1e9
	return r.enc.Encode(Record{Timestamp: ts, Message: env})
}

// Close detaches from the bus, lets a running Run drain what it already
// buffered, and closes the file.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		r.sub.Close()
		if r.started.Load() {
			<-r.done
		}
		err = r.file.Close()
	})
	return err
}

// Wait blocks until Run returns.
func (r *Recorder) Wait() {
	<-r.done
}

// ReadRecords reads every record in a wire log.
func ReadRecords(path string) ([]Record, error) {
	var records []Record
	err := IterateRecords(path, func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	return records, err
}

// IterateRecords calls fn for each record in a wire log. A final line that
// does not decode is left over from an interrupted write and is skipped with
// a warning; a bad line anywhere else is an error.
func IterateRecords(path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open wire log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	const maxCapacity = 8 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	var (
		line    int
		badLine int
		badErr  error
	)
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if badErr != nil {
			return fmt.Errorf("wire log line %d: %w", badLine, badErr)
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			badLine, badErr = line, err
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan wire log: %w", err)
	}
	if badErr != nil {
		slog.Warn("skipping torn wire log tail", "path", path, "line", badLine, "error", badErr)
	}
	return nil
}
