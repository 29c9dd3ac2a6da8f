package world

import (
	"context"

	"github.com/annel0/spatial-core/internal/vec"
)

// ChunkStore — долговременное хранилище чанков и их блочных буферов.
// Все операции потокобезопасны. Отсутствующий чанк — apperr.NotFound,
// ошибки ввода-вывода — apperr.StorageFailure.
type ChunkStore interface {
	// PutChunk сохраняет чанк. Если у листа Blocks == nil, сохранённый буфер не меняется.
	PutChunk(ctx context.Context, c *Chunk) error
	// PutChunks сохраняет несколько чанков одной операцией
	PutChunks(ctx context.Context, chunks []*Chunk) error
	// GetChunk возвращает копию чанка вместе с буфером блоков
	GetChunk(ctx context.Context, id uint64) (*Chunk, error)
	// ForEachChunk обходит заголовки всех чанков
	ForEachChunk(ctx context.Context, fn func(c *Chunk) error) error

	PutBlock(ctx context.Context, chunkID uint64, b Block) error
	PutBlocks(ctx context.Context, chunkID uint64, blocks []Block) error
	GetBlock(ctx context.Context, chunkID uint64, pos vec.Vec3) (Block, error)

	// WithBlockBuffer выполняет fn над буфером листа под эксклюзивной блокировкой;
	// изменения сохраняются, если fn вернула nil.
	WithBlockBuffer(ctx context.Context, chunkID uint64, fn func(buf []byte) error) error
	// WithBlockReadBuffer даёт fn доступ только на чтение под разделяемой блокировкой
	WithBlockReadBuffer(ctx context.Context, chunkID uint64, fn func(buf []byte) error) error
}

// ReadBlockBuffer читает значение из буфера листа под разделяемой блокировкой
func ReadBlockBuffer[T any](ctx context.Context, s ChunkStore, chunkID uint64, fn func(buf []byte) (T, error)) (T, error) {
	var out T
	err := s.WithBlockReadBuffer(ctx, chunkID, func(buf []byte) error {
		v, err := fn(buf)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// ChunkCache — кэш заголовков чанков перед хранилищем.
// Set и Invalidate вызываются после записи в хранилище; Fill кладёт
// прочитанный заголовок только в локальный кэш.
type ChunkCache interface {
	Get(id uint64) (*Chunk, bool)
	Fill(c *Chunk)
	Set(c *Chunk)
	Invalidate(id uint64)
}

type noCache struct{}

func (noCache) Get(uint64) (*Chunk, bool) { return nil, false }
func (noCache) Fill(*Chunk)               {}
func (noCache) Set(*Chunk)                {}
func (noCache) Invalidate(uint64)         {}
