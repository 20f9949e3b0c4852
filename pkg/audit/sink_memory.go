package audit

import (
	"context"
	"sync"
)

// MemorySink keeps entries in process memory. Entries are lost on exit.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	closed  bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Head(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].EntryHash, nil
}

func (s *MemorySink) Entries(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...), nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
