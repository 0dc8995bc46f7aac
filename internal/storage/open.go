package storage

import (
	"context"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Dir       string
	RedisURL  string
	Namespace string
}

// Open returns the factory of the configured backend and a function
// releasing its resources.
func Open(ctx context.Context, logger slog.Logger, opts Options) (Factory, func() error, error) {
	noop := func() error { return nil }
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryBackend(logger).Factory(), noop, nil
	case BackendFile:
		b, err := NewFileBackend(opts.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		return b.Factory(), noop, nil
	case BackendRedis:
		b, err := NewRedisBackend(ctx, opts.RedisURL, opts.Namespace, logger)
		if err != nil {
			return nil, nil, err
		}
		return b.Factory(), b.Close, nil
	default:
		return nil, nil, xerrors.Errorf("storage: unknown backend %q", opts.Backend)
	}
}
