// Package goods serves stock reads and admin stock updates for the gateway.
package goods

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bits-and-blooms/bloom/v3"

	"fulfillment/internal/inventory"
	"fulfillment/internal/model"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// Config goods service configuration
type Config struct {
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheShards  int
	Capacity     uint
	FPRate       float64
}

// Service reads stock through two levels: a local bigcache and the
// inventory engine. A bloom filter of known goods, rebuilt by Refresh,
// turns lookups of unknown ids away before they reach Redis.
type Service struct {
	engine *inventory.Engine
	cache  *bigcache.BigCache
	cfg    Config

	mu    sync.RWMutex
	known *bloom.BloomFilter
	ready bool
}

// NewService creates a goods service
func NewService(engine *inventory.Engine, cfg Config) (*Service, error) {
	s := &Service{
		engine: engine,
		cfg:    cfg,
		known:  bloom.NewWithEstimates(cfg.Capacity, cfg.FPRate),
	}

	if cfg.CacheEnabled {
		cacheCfg := bigcache.DefaultConfig(cfg.CacheTTL)
		cacheCfg.Shards = cfg.CacheShards
		cacheCfg.CleanWindow = cfg.CacheTTL
		cacheCfg.Verbose = false
		cache, err := bigcache.New(context.Background(), cacheCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create goods cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// Close releases the local cache
func (s *Service) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close()
}

// Get returns the stock of one good.
func (s *Service) Get(ctx context.Context, id int64) (*model.GoodLine, error) {
	if !s.Known(id) {
		return nil, utils.ErrGoodNotFound
	}

	key := strconv.FormatInt(id, 10)
	if s.cache != nil {
		if raw, err := s.cache.Get(key); err == nil && len(raw) == 8 {
			return &model.GoodLine{ID: id, Count: int64(binary.BigEndian.Uint64(raw))}, nil
		}
	}

	count, err := s.engine.Stock(ctx, id)
	if errors.Is(err, inventory.ErrGoodNotFound) {
		return nil, utils.ErrGoodNotFound
	}
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeRedisError, "failed to read stock")
	}

	if s.cache != nil {
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], uint64(count))
		if err := s.cache.Set(key, raw[:]); err != nil {
			log.WithError(err).WithField("good_id", id).Debug("Failed to cache stock")
		}
	}
	return &model.GoodLine{ID: id, Count: count}, nil
}

// List returns up to limit goods sorted by id. Lists bypass the cache.
func (s *Service) List(ctx context.Context, limit int) ([]model.GoodLine, error) {
	goods, err := s.engine.List(ctx, limit)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeRedisError, "failed to list goods")
	}
	return goods, nil
}

// SetStock overwrites the stock of a good and makes it known locally.
func (s *Service) SetStock(ctx context.Context, id, count int64) error {
	if err := s.engine.SetStock(ctx, id, count); err != nil {
		if errors.Is(err, inventory.ErrInvalidCount) {
			return utils.WrapError(err, utils.CodeInvalidParam, "count must be non-negative")
		}
		return utils.WrapError(err, utils.CodeRedisError, "failed to set stock")
	}

	if s.cache != nil {
		if err := s.cache.Delete(strconv.FormatInt(id, 10)); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			log.WithError(err).WithField("good_id", id).Warn("Failed to invalidate cached stock")
		}
	}

	s.mu.Lock()
	s.known.Add(goodBytes(id))
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"good_id": id,
		"count":   count,
	}).Info("Stock set")
	return nil
}

// Known reports whether id may exist. Before the first Refresh every id
// is treated as known.
func (s *Service) Known(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return true
	}
	return s.known.Test(goodBytes(id))
}

// Refresh rebuilds the known-goods filter from the inventory.
func (s *Service) Refresh(ctx context.Context) error {
	goods, err := s.engine.List(ctx, 0)
	if err != nil {
		return err
	}

	filter := bloom.NewWithEstimates(s.cfg.Capacity, s.cfg.FPRate)
	for _, g := range goods {
		filter.Add(goodBytes(g.ID))
	}

	s.mu.Lock()
	s.known = filter
	s.ready = true
	s.mu.Unlock()

	log.WithField("goods", len(goods)).Debug("Known goods refreshed")
	return nil
}

// Run refreshes the known-goods filter every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if err := s.Refresh(ctx); err != nil {
		log.WithError(err).Warn("Failed to load known goods")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Failed to refresh known goods")
			}
		}
	}
}

func goodBytes(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}
