package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
)

type memoryChunk struct {
	mu     sync.RWMutex
	header *world.Chunk
	blocks []byte
}

// MemoryChunkStore хранит чанки в памяти процесса. Буфер каждого листа
// защищён собственной RW-блокировкой.
type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[uint64]*memoryChunk
	codec  *codec.Codec
}

// NewMemoryChunkStore создаёт пустое хранилище
func NewMemoryChunkStore(c *codec.Codec) *MemoryChunkStore {
	if c == nil {
		c = codec.New(nil)
	}
	return &MemoryChunkStore{
		chunks: make(map[uint64]*memoryChunk),
		codec:  c,
	}
}

func (s *MemoryChunkStore) PutChunk(ctx context.Context, c *world.Chunk) error {
	return s.PutChunks(ctx, []*world.Chunk{c})
}

func (s *MemoryChunkStore) PutChunks(ctx context.Context, chunks []*world.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		mc, ok := s.chunks[c.ID]
		if !ok {
			mc = &memoryChunk{}
			s.chunks[c.ID] = mc
		}
		mc.mu.Lock()
		mc.header = c.Header()
		switch {
		case !c.Leaf:
			mc.blocks = nil
		case c.Blocks != nil:
			mc.blocks = append([]byte(nil), c.Blocks...)
		case mc.blocks == nil:
			mc.blocks = world.NewLeaf(c.ID, c.ParentID, c.Depth, c.Start, c.End).Blocks
		}
		mc.mu.Unlock()
	}
	return nil
}

func (s *MemoryChunkStore) get(op string, id uint64) (*memoryChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.chunks[id]
	if !ok {
		return nil, notFound(op, id)
	}
	return mc, nil
}

func (s *MemoryChunkStore) GetChunk(ctx context.Context, id uint64) (*world.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mc, err := s.get("memory.GetChunk", id)
	if err != nil {
		return nil, err
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()
	c := mc.header.Header()
	if mc.blocks != nil {
		c.Blocks = append([]byte(nil), mc.blocks...)
	}
	return c, nil
}

func (s *MemoryChunkStore) ForEachChunk(ctx context.Context, fn func(c *world.Chunk) error) error {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		mc, err := s.get("memory.ForEachChunk", id)
		if err != nil {
			continue
		}
		mc.mu.RLock()
		h := mc.header.Header()
		mc.mu.RUnlock()
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryChunkStore) PutBlock(ctx context.Context, chunkID uint64, b world.Block) error {
	return s.PutBlocks(ctx, chunkID, []world.Block{b})
}

func (s *MemoryChunkStore) PutBlocks(ctx context.Context, chunkID uint64, blocks []world.Block) error {
	return s.withChunk(ctx, "memory.PutBlocks", chunkID, true, func(h *world.Chunk, buf []byte) error {
		return encodeBlocks(s.codec, h, buf, blocks)
	})
}

func (s *MemoryChunkStore) GetBlock(ctx context.Context, chunkID uint64, pos vec.Vec3) (world.Block, error) {
	var out world.Block
	err := s.withChunk(ctx, "memory.GetBlock", chunkID, false, func(h *world.Chunk, buf []byte) error {
		b, err := decodeBlock(h, buf, pos)
		out = b
		return err
	})
	return out, err
}

func (s *MemoryChunkStore) WithBlockBuffer(ctx context.Context, chunkID uint64, fn func(buf []byte) error) error {
	return s.withChunk(ctx, "memory.WithBlockBuffer", chunkID, true, func(_ *world.Chunk, buf []byte) error {
		return fn(buf)
	})
}

func (s *MemoryChunkStore) WithBlockReadBuffer(ctx context.Context, chunkID uint64, fn func(buf []byte) error) error {
	return s.withChunk(ctx, "memory.WithBlockReadBuffer", chunkID, false, func(_ *world.Chunk, buf []byte) error {
		return fn(buf)
	})
}

// withChunk даёт fn буфер листа под блокировкой. При записи fn работает
// с копией, и изменения применяются, только если fn вернула nil.
func (s *MemoryChunkStore) withChunk(ctx context.Context, op string, id uint64, write bool, fn func(h *world.Chunk, buf []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mc, err := s.get(op, id)
	if err != nil {
		return err
	}

	if !write {
		mc.mu.RLock()
		defer mc.mu.RUnlock()
		if mc.blocks == nil {
			return noBuffer(op, id)
		}
		return fn(mc.header, mc.blocks)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.blocks == nil {
		return noBuffer(op, id)
	}
	work := append([]byte(nil), mc.blocks...)
	if err := fn(mc.header, work); err != nil {
		return err
	}
	mc.blocks = work
	return nil
}

// Close ничего не делает
func (s *MemoryChunkStore) Close() error { return nil }
