package credential

import (
	"context"
	"sync"
)

// Store is the persisted key-value storage that backs a client session. It
// mirrors browser local storage: string keys, string values, last writer
// wins.
type Store interface {
	// Get returns the value for key. A missing key is ("", false, nil).
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// MemStore is a simple in-memory Store.
type MemStore struct {
	m   map[string]string
	mMu sync.RWMutex
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mMu.RLock()
	defer s.mMu.RUnlock()

	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemStore) Set(_ context.Context, key, value string) error {
	s.mMu.Lock()
	defer s.mMu.Unlock()

	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value

	return nil
}

func (s *MemStore) Delete(_ context.Context, keys ...string) error {
	s.mMu.Lock()
	defer s.mMu.Unlock()

	for _, k := range keys {
		delete(s.m, k)
	}

	return nil
}
