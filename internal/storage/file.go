package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// FileBackend persists each root document as a JSON file in a directory.
// Writers hold an advisory file lock so several processes sharing the
// directory never interleave a read-modify-write.
type FileBackend struct {
	dir    string
	logger slog.Logger

	mu sync.Mutex
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string, logger slog.Logger) (*FileBackend, error) {
	if dir == "" {
		return nil, xerrors.New("storage: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Errorf("create storage dir: %w", err)
	}
	return &FileBackend{dir: dir, logger: logger.Named("file_storage")}, nil
}

// Factory returns a Factory opening one file per root key.
func (b *FileBackend) Factory() Factory {
	return func(rootKey string) (Store, error) {
		path := filepath.Join(b.dir, rootKey+".json")
		return &fileStore{
			backend: b,
			root:    rootKey,
			path:    path,
			lock:    flock.New(path + ".lock"),
		}, nil
	}
}

type fileStore struct {
	backend *FileBackend
	root    string
	path    string
	lock    *flock.Flock
}

func (s *fileStore) locked(ctx context.Context, fn func() error) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	ok, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return xerrors.Errorf("lock %s: %w", s.path, err)
	}
	if !ok {
		return xerrors.Errorf("lock %s: not acquired", s.path)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *fileStore) read(ctx context.Context) (Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.backend.logger.Warn(ctx, "discarding unparsable storage document",
			slog.F("root", s.root), slog.F("path", s.path), slog.Error(err))
		return Document{}, nil
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func (s *fileStore) write(doc Document) error {
	if len(doc) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return xerrors.Errorf("remove %s: %w", s.path, err)
		}
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Errorf("encode %s: %w", s.root, err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return xerrors.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, index Index) (any, error) {
	var value any
	err := s.locked(ctx, func() error {
		doc, err := s.read(ctx)
		if err != nil {
			return err
		}
		value = GetValue(doc, index)
		return nil
	})
	return value, err
}

func (s *fileStore) Update(ctx context.Context, index Index, fn TransformFn) error {
	return s.locked(ctx, func() error {
		doc, err := s.read(ctx)
		if err != nil {
			return err
		}
		doc, err = UpdateValue(doc, index, fn, transformFallback(ctx, s.backend.logger, s.root, index))
		if err != nil {
			return err
		}
		return s.write(doc)
	})
}

func (s *fileStore) Delete(ctx context.Context, index Index) error {
	return s.locked(ctx, func() error {
		doc, err := s.read(ctx)
		if err != nil {
			return err
		}
		doc, err = DeleteValue(doc, index)
		if err != nil {
			return err
		}
		return s.write(doc)
	})
}
