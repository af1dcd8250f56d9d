package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// MemoryStore is an in-memory Store for tests and short-lived processes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (bson.Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	r, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return cloneToken(r.Token), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, token bson.Raw) error {
	if err := checkSave(key, token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.records[key] = Record{Key: key, Token: cloneToken(token), UpdatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) Records(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		r.Token = cloneToken(r.Token)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
