package linkstore

import (
	"context"
	"sync"
)

// Memory keeps linked files in a map; links do not survive the process.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{files: map[string][]byte{}}
}

func (s *Memory) Driver() string { return DriverMemory }

func (s *Memory) CreateLink(ctx context.Context, format, path string) (string, error) {
	b, err := readFile(path)
	if err != nil {
		return "", err
	}
	id := newID(format, path)
	s.mu.Lock()
	s.files[id] = b
	s.mu.Unlock()
	return id, nil
}

func (s *Memory) ResolveLink(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// Len returns the number of stored links.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
