package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fulfillment/internal/config"
	"fulfillment/pkg/log"
)

var (
	// ErrNotFound is returned when a hash has no fields.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by CopyAtomic when the destination is taken.
	ErrAlreadyExists = errors.New("destination already exists")
	// ErrSourceMissing is returned by CopyAtomic when the source has no fields.
	ErrSourceMissing = errors.New("source does not exist")
)

// Error reply prefixes produced by the Lua scripts.
const (
	ReplyAlreadyExists = "ALREADY_EXISTS"
	ReplySourceMissing = "SOURCE_MISSING"
)

// NewClient connects to Redis with the given configuration and pings it.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}

	log.WithField("addr", cfg.GetAddr()).Info("Redis connected successfully")
	return client, nil
}

// Store is the keyed record store: one hash per entity plus server-side scripts.
type Store struct {
	client redis.UniversalClient
	copy   *redis.Script
}

// New wraps a connected client.
func New(client redis.UniversalClient) *Store {
	return &Store{
		client: client,
		copy:   redis.NewScript(copyScript),
	}
}

// Client exposes the underlying client for components that own their own scripts.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns every field of key, or ErrNotFound when it has none.
func (s *Store) Get(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// GetField returns one field of key, or ErrNotFound.
func (s *Store) GetField(ctx context.Context, key, field string) (string, error) {
	value, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hget %s %s: %w", key, field, err)
	}
	return value, nil
}

// Set writes a single field.
func (s *Store) Set(ctx context.Context, key, field string, value interface{}) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", key, field, err)
	}
	return nil
}

// SetFields writes field/value pairs in one command.
func (s *Store) SetFields(ctx context.Context, key string, pairs ...interface{}) error {
	if err := s.client.HSet(ctx, key, pairs...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key holds any value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n == 1, nil
}

// Expire sets a ttl on key. A missing key is not an error.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("pexpire %s: %w", key, err)
	}
	return nil
}

// Del removes keys. Deleting absent keys is not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %s: %w", strings.Join(keys, ","), err)
	}
	return nil
}

// Pipeline sends every command queued by fn in one round trip.
// It is not a transaction: other clients may interleave.
func (s *Store) Pipeline(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := s.client.Pipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return cmds, fmt.Errorf("pipeline: %w", err)
	}
	return cmds, nil
}

// TxPipeline is Pipeline wrapped in MULTI/EXEC.
func (s *Store) TxPipeline(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := s.client.TxPipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return cmds, fmt.Errorf("tx pipeline: %w", err)
	}
	return cmds, nil
}

type copyOptions struct {
	fields      []interface{}
	indexKey    string
	indexScore  float64
	indexMember string
}

// CopyOption adds work to the CopyAtomic step.
type CopyOption func(*copyOptions)

// WithFields sets extra field/value pairs on the copy.
func WithFields(pairs ...interface{}) CopyOption {
	return func(o *copyOptions) {
		o.fields = append(o.fields, pairs...)
	}
}

// WithIndex adds member to the sorted set key with score.
func WithIndex(key string, score float64, member string) CopyOption {
	return func(o *copyOptions) {
		o.indexKey, o.indexScore, o.indexMember = key, score, member
	}
}

// CopyAtomic copies every field of src onto dst in one server-side step.
// It fails with ErrAlreadyExists when dst exists and ErrSourceMissing when
// src has no fields. A positive ttl and any options are applied in the
// same step.
func (s *Store) CopyAtomic(ctx context.Context, src, dst string, ttl time.Duration, opts ...CopyOption) error {
	var o copyOptions
	for _, opt := range opts {
		opt(&o)
	}

	keys := []string{src, dst}
	if o.indexKey != "" {
		keys = append(keys, o.indexKey)
	}
	args := make([]interface{}, 0, 3+len(o.fields))
	args = append(args, ttl.Milliseconds(), o.indexScore, o.indexMember)
	args = append(args, o.fields...)

	err := s.copy.Run(ctx, s.client, keys, args...).Err()
	return ScriptError(err)
}

// Scan returns the keys matching pattern, at most limit of them (0 means all).
func (s *Store) Scan(ctx context.Context, match string, limit int) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if limit > 0 && len(keys) >= limit {
			return keys[:limit], nil
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// ScriptError maps the error replies of the copy-family scripts to sentinel errors.
func ScriptError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, ReplyAlreadyExists):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, strings.TrimSpace(strings.TrimPrefix(msg, ReplyAlreadyExists)))
	case strings.HasPrefix(msg, ReplySourceMissing):
		return fmt.Errorf("%w: %s", ErrSourceMissing, strings.TrimSpace(strings.TrimPrefix(msg, ReplySourceMissing)))
	}
	return err
}
