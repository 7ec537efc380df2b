// Package session stores conversations on disk. Each session is a directory
// under <share_dir>/sessions/<id>/ holding session.json, the context
// journal and the wire log.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/creativebastard/kimi-rcli/conversation"
	"github.com/creativebastard/kimi-rcli/wire"
)

const (
	metaFile    = "session.json"
	contextFile = "context.jsonl"
	wireFile    = "wire.jsonl"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrAmbiguous = errors.New("session id prefix is ambiguous")
)

// Session is the metadata of one stored conversation.
type Session struct {
	ID        string    `json:"id"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`

	dir string
}

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// ContextFile returns the path of the context journal.
func (s *Session) ContextFile() string { return filepath.Join(s.dir, contextFile) }

// WireFile returns the path of the wire log.
func (s *Session) WireFile() string { return filepath.Join(s.dir, wireFile) }

// ShortID returns the first eight characters of the id.
func (s *Session) ShortID() string {
	if len(s.ID) < 8 {
		return s.ID
	}
	return s.ID[:8]
}

// LoadContext replays the context journal and keeps appending to it.
func (s *Session) LoadContext(opts ...conversation.Option) (*conversation.Context, error) {
	return conversation.Load(s.ContextFile(), opts...)
}

// Recorder returns a wire recorder appending to the session's wire log.
func (s *Session) Recorder(bus *wire.Bus, logger *slog.Logger) (*wire.Recorder, error) {
	return wire.NewRecorder(s.WireFile(), bus, logger)
}

// Delete removes the session directory.
func (s *Session) Delete() error {
	return os.RemoveAll(s.dir)
}

func sessionsDir(shareDir string) string {
	return filepath.Join(shareDir, "sessions")
}

// Create makes a new session for workDir.
func Create(shareDir, workDir string) (*Session, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		WorkDir:   abs,
		CreatedAt: time.Now().UTC(),
		dir:       filepath.Join(sessionsDir(shareDir), id),
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	for _, name := range []string{contextFile, wireFile} {
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		f.Close()
	}
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, metaFile))
}

func read(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(dir, metaFile), err)
	}
	s.dir = dir
	return &s, nil
}

// Open returns the session whose id equals or uniquely starts with id.
func Open(shareDir, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	if _, err := uuid.Parse(id); err == nil {
		return read(filepath.Join(sessionsDir(shareDir), id))
	}
	all, err := List(shareDir)
	if err != nil {
		return nil, err
	}
	var found *Session
	for _, s := range all {
		if !strings.HasPrefix(s.ID, id) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguous, id)
		}
		found = s
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// List returns every readable session, newest first. Directories without
// valid metadata are skipped.
func List(shareDir string) ([]*Session, error) {
	entries, err := os.ReadDir(sessionsDir(shareDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := read(filepath.Join(sessionsDir(shareDir), e.Name()))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Latest returns the newest session created for workDir.
func Latest(shareDir, workDir string) (*Session, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}
	all, err := List(shareDir)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.WorkDir == abs {
			return s, nil
		}
	}
	return nil, ErrNotFound
}
