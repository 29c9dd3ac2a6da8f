package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
	"github.com/dgraph-io/badger/v3"
)

const (
	headerPrefix = "chunk:hdr:"
	blocksPrefix = "chunk:blk:"
)

func headerKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", headerPrefix, id)) }
func blocksKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", blocksPrefix, id)) }

// BadgerChunkStore хранит заголовки чанков в JSON, а буферы блоков —
// сжатыми zstd, в BadgerDB.
type BadgerChunkStore struct {
	db     *badger.DB
	dbPath string
	codec  *codec.Codec

	// locks — RW-блокировки буферов по id чанка
	locks   sync.Map
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerChunkStore открывает хранилище в каталоге dataPath/chunks
func NewBadgerChunkStore(dataPath string, c *codec.Codec) (*BadgerChunkStore, error) {
	dbPath := filepath.Join(dataPath, "chunks")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "badger.Open",
			fmt.Errorf("не удалось открыть BadgerDB: %w", err))
	}
	if c == nil {
		c = codec.New(nil)
	}

	logging.GetStorageLogger().Info("BadgerDB хранилище чанков открыто: %s", dbPath)
	return &BadgerChunkStore{
		db:      db,
		dbPath:  dbPath,
		codec:   c,
		isReady: true,
	}, nil
}

// Close закрывает базу
func (s *BadgerChunkStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isReady {
		return nil
	}
	s.isReady = false
	return s.db.Close()
}

func (s *BadgerChunkStore) lockFor(id uint64) *sync.RWMutex {
	l, _ := s.locks.LoadOrStore(id, &sync.RWMutex{})
	return l.(*sync.RWMutex)
}

func (s *BadgerChunkStore) ready(op string) error {
	if !s.isReady {
		return apperr.New(apperr.StorageFailure, op, "хранилище не готово")
	}
	return nil
}

func (s *BadgerChunkStore) PutChunk(ctx context.Context, c *world.Chunk) error {
	return s.PutChunks(ctx, []*world.Chunk{c})
}

func (s *BadgerChunkStore) PutChunks(ctx context.Context, chunks []*world.Chunk) error {
	const op = "badger.PutChunks"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if err := s.ready(op); err != nil {
		return err
	}

	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, c := range chunks {
		data, err := json.Marshal(c.Header())
		if err != nil {
			return fmt.Errorf("ошибка сериализации чанка %d: %w", c.ID, err)
		}
		if err := wb.Set(headerKey(c.ID), data); err != nil {
			return apperr.Wrap(apperr.StorageFailure, op, err)
		}

		switch {
		case !c.Leaf:
			if err := wb.Delete(blocksKey(c.ID)); err != nil {
				return apperr.Wrap(apperr.StorageFailure, op, err)
			}
		case c.Blocks != nil:
			if err := wb.Set(blocksKey(c.ID), codec.Compress(c.Blocks)); err != nil {
				return apperr.Wrap(apperr.StorageFailure, op, err)
			}
		}
	}

	if err := wb.Flush(); err != nil {
		return apperr.Wrap(apperr.StorageFailure, op, fmt.Errorf("ошибка сохранения в BadgerDB: %w", err))
	}
	return nil
}

func readValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *BadgerChunkStore) loadHeader(txn *badger.Txn, op string, id uint64) (*world.Chunk, error) {
	data, err := readValue(txn, headerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(op, id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, op, err)
	}
	var c world.Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, op, fmt.Errorf("ошибка десериализации чанка %d: %w", id, err))
	}
	return &c, nil
}

// loadBlocks читает и распаковывает буфер; для листа без сохранённого
// буфера возвращает пустой.
func (s *BadgerChunkStore) loadBlocks(txn *badger.Txn, op string, h *world.Chunk) ([]byte, error) {
	if !h.Leaf {
		return nil, noBuffer(op, h.ID)
	}
	data, err := readValue(txn, blocksKey(h.ID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return world.NewLeaf(h.ID, h.ParentID, h.Depth, h.Start, h.End).Blocks, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, op, err)
	}
	buf, err := codec.Decompress(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, op, err)
	}
	if len(buf) != h.BlockCount()*codec.RecordSize {
		return nil, apperr.New(apperr.StorageFailure, op, "буфер чанка %d повреждён: %d байт", h.ID, len(buf))
	}
	return buf, nil
}

func (s *BadgerChunkStore) GetChunk(ctx context.Context, id uint64) (*world.Chunk, error) {
	const op = "badger.GetChunk"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if err := s.ready(op); err != nil {
		return nil, err
	}

	l := s.lockFor(id)
	l.RLock()
	defer l.RUnlock()

	var out *world.Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		h, err := s.loadHeader(txn, op, id)
		if err != nil {
			return err
		}
		if h.Leaf {
			if h.Blocks, err = s.loadBlocks(txn, op, h); err != nil {
				return err
			}
		}
		out = h
		return nil
	})
	return out, err
}

func (s *BadgerChunkStore) ForEachChunk(ctx context.Context, fn func(c *world.Chunk) error) error {
	const op = "badger.ForEachChunk"
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if err := s.ready(op); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(headerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return apperr.Wrap(apperr.StorageFailure, op, err)
			}
			var c world.Chunk
			if err := json.Unmarshal(data, &c); err != nil {
				return apperr.Wrap(apperr.StorageFailure, op, err)
			}
			if err := fn(&c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerChunkStore) PutBlock(ctx context.Context, chunkID uint64, b world.Block) error {
	return s.PutBlocks(ctx, chunkID, []world.Block{b})
}

func (s *BadgerChunkStore) PutBlocks(ctx context.Context, chunkID uint64, blocks []world.Block) error {
	return s.withChunk(ctx, "badger.PutBlocks", chunkID, true, func(h *world.Chunk, buf []byte) error {
		return encodeBlocks(s.codec, h, buf, blocks)
	})
}

func (s *BadgerChunkStore) GetBlock(ctx context.Context, chunkID uint64, pos vec.Vec3) (world.Block, error) {
	var out world.Block
	err := s.withChunk(ctx, "badger.GetBlock", chunkID, false, func(h *world.Chunk, buf []byte) error {
		b, err := decodeBlock(h, buf, pos)
		out = b
		return err
	})
	return out, err
}

func (s *BadgerChunkStore) WithBlockBuffer(ctx context.Context, chunkID uint64, fn func(buf []byte) error) error {
	return s.withChunk(ctx, "badger.WithBlockBuffer", chunkID, true, func(_ *world.Chunk, buf []byte) error {
		return fn(buf)
	})
}

func (s *BadgerChunkStore) WithBlockReadBuffer(ctx context.Context, chunkID uint64, fn func(buf []byte) error) error {
	return s.withChunk(ctx, "badger.WithBlockReadBuffer", chunkID, false, func(_ *world.Chunk, buf []byte) error {
		return fn(buf)
	})
}

// withChunk загружает буфер листа под блокировкой чанка; при записи
// сохраняет его обратно, если fn вернула nil.
func (s *BadgerChunkStore) withChunk(ctx context.Context, op string, id uint64, write bool, fn func(h *world.Chunk, buf []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if err := s.ready(op); err != nil {
		return err
	}

	l := s.lockFor(id)
	if !write {
		l.RLock()
		defer l.RUnlock()
		return s.db.View(func(txn *badger.Txn) error {
			h, err := s.loadHeader(txn, op, id)
			if err != nil {
				return err
			}
			buf, err := s.loadBlocks(txn, op, h)
			if err != nil {
				return err
			}
			return fn(h, buf)
		})
	}

	l.Lock()
	defer l.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		h, err := s.loadHeader(txn, op, id)
		if err != nil {
			return err
		}
		buf, err := s.loadBlocks(txn, op, h)
		if err != nil {
			return err
		}
		if err := fn(h, buf); err != nil {
			return err
		}
		if err := txn.Set(blocksKey(id), codec.Compress(buf)); err != nil {
			return apperr.Wrap(apperr.StorageFailure, op, err)
		}
		return nil
	})
}
