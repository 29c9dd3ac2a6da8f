package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/world"
	"github.com/dgraph-io/ristretto"
)

// ChunkCache — кеш заголовков чанков одной карты в памяти процесса.
// Реализует world.ChunkCache. Если задан Invalidator, каждая запись (Set,
// Invalidate) рассылается другим узлам, а чужие уведомления удаляют локальную
// копию. Заполнение после чтения (Fill) остаётся локальным.
type ChunkCache struct {
	mapID       uint64
	cache       *ristretto.Cache
	invalidator Invalidator
	publishWait time.Duration
}

// ChunkCacheConfig настраивает кеш
type ChunkCacheConfig struct {
	MapID       uint64
	MaxChunks   int64
	Invalidator Invalidator // может быть nil
}

// NewChunkCache создаёт кеш на MaxChunks заголовков
func NewChunkCache(cfg ChunkCacheConfig) (*ChunkCache, error) {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 4096
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxChunks * 10,
		MaxCost:     cfg.MaxChunks,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	return &ChunkCache{
		mapID:       cfg.MapID,
		cache:       rc,
		invalidator: cfg.Invalidator,
		publishWait: time.Second,
	}, nil
}

// Subscribe начинает принимать уведомления других узлов
func (c *ChunkCache) Subscribe(ctx context.Context) error {
	if c.invalidator == nil {
		return nil
	}
	return c.invalidator.SubscribeInvalidations(ctx, func(key string) error {
		mapID, chunkID, err := ParseChunkKey(key)
		if err != nil {
			return err
		}
		if mapID == c.mapID {
			c.cache.Del(chunkID)
		}
		return nil
	})
}

// Get возвращает заголовок из кеша
func (c *ChunkCache) Get(id uint64) (*world.Chunk, bool) {
	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	chunk, ok := v.(*world.Chunk)
	return chunk, ok
}

// Fill кладёт прочитанный из хранилища заголовок только в локальный кеш.
// Другие узлы не уведомляются: их копии не устарели.
func (c *ChunkCache) Fill(chunk *world.Chunk) {
	c.cache.Set(chunk.ID, chunk, 1)
}

// Set кладёт записанный заголовок в кеш (стоимость 1 на чанк) и рассылает
// инвалидацию. Заголовок виден Get сразу после возврата.
func (c *ChunkCache) Set(chunk *world.Chunk) {
	c.cache.Set(chunk.ID, chunk, 1)
	c.cache.Wait()
	c.publish(chunk.ID)
}

// Invalidate удаляет заголовок
func (c *ChunkCache) Invalidate(id uint64) {
	c.cache.Del(id)
	c.publish(id)
}

func (c *ChunkCache) publish(id uint64) {
	if c.invalidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.publishWait)
	defer cancel()
	if err := c.invalidator.PublishInvalidation(ctx, ChunkKey(c.mapID, id)); err != nil {
		logging.Warn("Chunk cache: invalidation of %d not published: %v", id, err)
	}
}

// Metrics возвращает счётчики ristretto
func (c *ChunkCache) Metrics() Metrics {
	m := c.cache.Metrics
	if m == nil {
		return Metrics{}
	}
	return Metrics{
		Hits:     m.Hits(),
		Misses:   m.Misses(),
		HitRatio: m.Ratio(),
		Added:    m.KeysAdded(),
		Evicted:  m.KeysEvicted(),
	}
}

// Close останавливает кеш
func (c *ChunkCache) Close() {
	c.cache.Close()
}
