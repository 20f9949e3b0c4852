package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileSink stores entries as JSON lines in a single append-only file.
// Each Write is flushed with fsync before it returns. A failed write is
// truncated away so the file always ends on a complete line.
type FileSink struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	write func(p []byte) (int, error)
}

// NewFileSink opens (creating if needed) the log at path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create log dir: %w", err)
		}
	}
	//nolint:gosec // path comes from operator configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Path returns the log file location.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(_ context.Context, e Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrSinkClosed
	}
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	if err := s.appendLine(buf.Bytes()); err != nil {
		if terr := s.f.Truncate(info.Size()); terr != nil {
			return fmt.Errorf("%w (truncate: %v)", err, terr)
		}
		return err
	}
	return nil
}

func (s *FileSink) appendLine(line []byte) error {
	write := s.f.Write
	if s.write != nil {
		write = s.write
	}
	if _, err := write(line); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}
	return nil
}

func (s *FileSink) Head(_ context.Context) (string, error) {
	entries, err := ReadFile(s.path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].EntryHash, nil
}

func (s *FileSink) Entries(_ context.Context) ([]Entry, error) {
	return ReadFile(s.path)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadFile parses a JSONL log for offline verification. A missing file is
// an empty log.
func ReadFile(path string) ([]Entry, error) {
	//nolint:gosec // path comes from operator configuration
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Decode parses JSON lines from r, skipping blank lines.
func Decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("audit: line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	return entries, nil
}
