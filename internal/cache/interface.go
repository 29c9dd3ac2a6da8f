package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Invalidator рассылает и принимает уведомления об устаревших ключах кеша
// между узлами, обслуживающими одну карту.
type Invalidator interface {
	// PublishInvalidation отправляет уведомление об инвалидации.
	PublishInvalidation(ctx context.Context, key string) error

	// SubscribeInvalidations подписывается на уведомления об инвалидации.
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error

	// Close закрывает соединение.
	Close() error
}

// InvalidationHandler обрабатывает уведомления об инвалидации кеша.
type InvalidationHandler func(key string) error

// Metrics содержит метрики кеша чанков.
type Metrics struct {
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
	Added    uint64  `json:"keys_added"`
	Evicted  uint64  `json:"keys_evicted"`
}

// ChunkKey строит ключ инвалидации чанка: "chunk:<map>:<id>"
func ChunkKey(mapID, chunkID uint64) string {
	return "chunk:" + strconv.FormatUint(mapID, 10) + ":" + strconv.FormatUint(chunkID, 10)
}

// ParseChunkKey разбирает ключ, построенный ChunkKey
func ParseChunkKey(key string) (mapID, chunkID uint64, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "chunk" {
		return 0, 0, fmt.Errorf("invalid chunk key %q", key)
	}
	if mapID, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid chunk key %q: %w", key, err)
	}
	if chunkID, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid chunk key %q: %w", key, err)
	}
	return mapID, chunkID, nil
}
