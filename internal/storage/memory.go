package storage

import (
	"context"
	"sync"

	"github.com/patrickmn/go-cache"

	"cdr.dev/slog/v3"
)

// MemoryBackend keeps every root document in a process-local cache. It is the
// default backend and the one used by tests.
type MemoryBackend struct {
	logger slog.Logger

	mu    sync.Mutex
	cache *cache.Cache
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend(logger slog.Logger) *MemoryBackend {
	return &MemoryBackend{
		logger: logger.Named("memory_storage"),
		cache:  cache.New(cache.NoExpiration, 0),
	}
}

// Factory returns a Factory whose stores share this backend.
func (b *MemoryBackend) Factory() Factory {
	return func(rootKey string) (Store, error) {
		return &memoryStore{backend: b, root: rootKey}, nil
	}
}

func (b *MemoryBackend) load(root string) Document {
	raw, ok := b.cache.Get(root)
	if !ok {
		return Document{}
	}
	doc, ok := raw.(Document)
	if !ok {
		return Document{}
	}
	return doc
}

type memoryStore struct {
	backend *MemoryBackend
	root    string
}

func (s *memoryStore) Get(_ context.Context, index Index) (any, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return DeepCopy(GetValue(s.backend.load(s.root), index)), nil
}

func (s *memoryStore) Update(ctx context.Context, index Index, fn TransformFn) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	doc, err := UpdateValue(s.backend.load(s.root), index, fn, transformFallback(ctx, s.backend.logger, s.root, index))
	if err != nil {
		return err
	}
	s.backend.cache.Set(s.root, doc, cache.NoExpiration)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, index Index) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	doc, err := DeleteValue(s.backend.load(s.root), index)
	if err != nil {
		return err
	}
	if len(doc) == 0 {
		s.backend.cache.Delete(s.root)
		return nil
	}
	s.backend.cache.Set(s.root, doc, cache.NoExpiration)
	return nil
}
