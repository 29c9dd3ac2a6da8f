package world

import (
	"context"
	"sync"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/vec"
)

// Index — иерархия чанков одной карты: поиск листа по позиции,
// доступ к блокам и поддержка симметричных связей соседства.
// Заголовки чанков кэшируются; запись идёт сначала в хранилище, затем в кэш.
type Index struct {
	mapID  uint64
	rootID uint64
	store  ChunkStore
	cache  ChunkCache

	// topoMu сериализует изменения связей соседства
	topoMu sync.Mutex
	log    *logging.Logger
}

// NewIndex создаёт индекс поверх уже построенного дерева с корнем rootID.
// cache может быть nil.
func NewIndex(mapID, rootID uint64, store ChunkStore, cache ChunkCache) *Index {
	if cache == nil {
		cache = noCache{}
	}
	return &Index{
		mapID:  mapID,
		rootID: rootID,
		store:  store,
		cache:  cache,
		log:    logging.GetWorldLogger(),
	}
}

// MapID возвращает идентификатор карты
func (ix *Index) MapID() uint64 { return ix.mapID }

// RootID возвращает идентификатор корневого чанка
func (ix *Index) RootID() uint64 { return ix.rootID }

// Store возвращает хранилище чанков
func (ix *Index) Store() ChunkStore { return ix.store }

// GetChunk возвращает заголовок чанка (без буфера блоков)
func (ix *Index) GetChunk(ctx context.Context, id uint64) (*Chunk, error) {
	if c, ok := ix.cache.Get(id); ok {
		return c.Header(), nil
	}

	c, err := ix.store.GetChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	h := c.Header()
	ix.cache.Fill(h.Header())
	return h, nil
}

// PutChunk сохраняет чанк и обновляет кэш
func (ix *Index) PutChunk(ctx context.Context, c *Chunk) error {
	return ix.PutChunks(ctx, []*Chunk{c})
}

// PutChunks сохраняет чанки одной операцией хранилища и обновляет кэш;
// кэш уведомляет другие узлы об изменении
func (ix *Index) PutChunks(ctx context.Context, chunks []*Chunk) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if err := ix.store.PutChunks(ctx, chunks); err != nil {
		for _, c := range chunks {
			ix.cache.Invalidate(c.ID)
		}
		return err
	}
	for _, c := range chunks {
		ix.cache.Set(c.Header())
	}
	return nil
}

// ForEachChunk обходит чанки дерева карты в ширину от корня, прогревая кэш.
// Хранилище может быть общим для нескольких карт: чужие чанки не посещаются.
func (ix *Index) ForEachChunk(ctx context.Context, fn func(c *Chunk) error) error {
	const op = "world.ForEachChunk"

	all := make(map[uint64]*Chunk)
	if err := ix.store.ForEachChunk(ctx, func(c *Chunk) error {
		all[c.ID] = c.Header()
		return nil
	}); err != nil {
		return err
	}

	root, ok := all[ix.rootID]
	if !ok {
		return apperr.New(apperr.NotFound, op, "корневой чанк %d карты %d не найден", ix.rootID, ix.mapID)
	}
	queue := []*Chunk{root}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		ix.cache.Fill(c.Header())
		if err := fn(c); err != nil {
			return err
		}
		for _, childID := range c.Children {
			child, ok := all[childID]
			if !ok {
				return apperr.New(apperr.NotFound, op, "чанк %d (потомок %d) не найден", childID, c.ID)
			}
			queue = append(queue, child)
		}
	}
	return nil
}

// ChunkFor спускается от корня к листу, содержащему позицию
func (ix *Index) ChunkFor(ctx context.Context, pos vec.Vec3) (*Chunk, error) {
	cur, err := ix.GetChunk(ctx, ix.rootID)
	if err != nil {
		return nil, err
	}
	if !cur.Contains(pos) {
		return nil, apperr.New(apperr.OutOfBounds, "index.ChunkFor", "позиция %s вне карты %d", pos, ix.mapID)
	}

	for !cur.Leaf {
		next, err := ix.childContaining(ctx, cur, pos)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// chunkAtDepth ищет чанк заданной глубины, содержащий позицию.
// Если ветка заканчивается листом раньше, возвращает nil.
func (ix *Index) chunkAtDepth(ctx context.Context, pos vec.Vec3, depth int) (*Chunk, error) {
	cur, err := ix.GetChunk(ctx, ix.rootID)
	if err != nil {
		return nil, err
	}
	if !cur.Contains(pos) {
		return nil, nil
	}
	for cur.Depth < depth {
		if cur.Leaf {
			return nil, nil
		}
		if cur, err = ix.childContaining(ctx, cur, pos); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func (ix *Index) childContaining(ctx context.Context, parent *Chunk, pos vec.Vec3) (*Chunk, error) {
	for _, childID := range parent.Children {
		child, err := ix.GetChunk(ctx, childID)
		if err != nil {
			return nil, err
		}
		if child.Contains(pos) {
			return child, nil
		}
	}
	// Дочерние чанки обязаны покрывать родителя
	return nil, apperr.New(apperr.OutOfBounds, "index.ChunkFor",
		"позиция %s не покрыта дочерними чанками %d", pos, parent.ID)
}

// BlockOffset возвращает лист и смещение записи позиции
func (ix *Index) BlockOffset(ctx context.Context, pos vec.Vec3) (uint64, int, error) {
	leaf, err := ix.ChunkFor(ctx, pos)
	if err != nil {
		return 0, 0, err
	}
	off, err := leaf.BlockOffset(pos)
	if err != nil {
		return 0, 0, err
	}
	return leaf.ID, off, nil
}

// PutBlock записывает блок по мировой позиции
func (ix *Index) PutBlock(ctx context.Context, pos vec.Vec3, f codec.Fields) error {
	leaf, err := ix.ChunkFor(ctx, pos)
	if err != nil {
		return err
	}
	return ix.store.PutBlock(ctx, leaf.ID, Block{Position: pos, Fields: f})
}

// GetBlock читает блок по мировой позиции
func (ix *Index) GetBlock(ctx context.Context, pos vec.Vec3) (Block, error) {
	leaf, err := ix.ChunkFor(ctx, pos)
	if err != nil {
		return Block{}, err
	}
	return ix.store.GetBlock(ctx, leaf.ID, pos)
}
