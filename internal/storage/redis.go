package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

const maxRedisTxRetries = 32

// RedisBackend keeps each root document as a JSON string under a namespaced
// key. Updates run as WATCH/MULTI transactions so concurrent writers retry
// instead of losing each other's changes.
type RedisBackend struct {
	client    *redis.Client
	namespace string
	logger    slog.Logger
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL, namespace string, logger slog.Logger) (*RedisBackend, error) {
	if redisURL == "" {
		return nil, xerrors.New("storage: redis backend requires a URL")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, xerrors.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Errorf("ping redis: %w", err)
	}
	return NewRedisBackendFromClient(client, namespace, logger), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, namespace string, logger slog.Logger) *RedisBackend {
	if namespace == "" {
		namespace = "glean"
	}
	return &RedisBackend{client: client, namespace: namespace, logger: logger.Named("redis_storage")}
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Factory returns a Factory whose stores live under the backend namespace.
func (b *RedisBackend) Factory() Factory {
	return func(rootKey string) (Store, error) {
		return &redisStore{backend: b, root: rootKey, key: b.namespace + ":" + rootKey}, nil
	}
}

type redisStore struct {
	backend *RedisBackend
	root    string
	key     string
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *redisStore) read(ctx context.Context, c redisGetter) (Document, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("get %s: %w", s.key, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.backend.logger.Warn(ctx, "discarding unparsable storage document",
			slog.F("root", s.root), slog.F("key", s.key), slog.Error(err))
		return Document{}, nil
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func (s *redisStore) Get(ctx context.Context, index Index) (any, error) {
	doc, err := s.read(ctx, s.backend.client)
	if err != nil {
		return nil, err
	}
	return GetValue(doc, index), nil
}

func (s *redisStore) Update(ctx context.Context, index Index, fn TransformFn) error {
	return s.mutate(ctx, func(doc Document) (Document, error) {
		return UpdateValue(doc, index, fn, transformFallback(ctx, s.backend.logger, s.root, index))
	})
}

func (s *redisStore) Delete(ctx context.Context, index Index) error {
	return s.mutate(ctx, func(doc Document) (Document, error) {
		return DeleteValue(doc, index)
	})
}

func (s *redisStore) mutate(ctx context.Context, change func(Document) (Document, error)) error {
	txf := func(tx *redis.Tx) error {
		doc, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		doc, err = change(doc)
		if err != nil {
			return err
		}
		var data []byte
		if len(doc) > 0 {
			data, err = json.Marshal(doc)
			if err != nil {
				return xerrors.Errorf("encode %s: %w", s.root, err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if data == nil {
				pipe.Del(ctx, s.key)
				return nil
			}
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxRedisTxRetries; i++ {
		err := s.backend.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return xerrors.Errorf("update %s: %w", s.key, err)
		}
		return nil
	}
	return xerrors.Errorf("update %s: too many concurrent writers", s.key)
}
