package storage

import (
	"fmt"
	"math"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
)

// blockOffsets вычисляет смещения всех блоков до первой записи,
// чтобы пакет применялся целиком или не применялся вовсе.
func blockOffsets(header *world.Chunk, blocks []world.Block) ([]int, error) {
	offsets := make([]int, len(blocks))
	for i, b := range blocks {
		off, err := header.BlockOffset(b.Position)
		if err != nil {
			return nil, err
		}
		offsets[i] = off
	}
	return offsets, nil
}

func encodeBlocks(c *codec.Codec, header *world.Chunk, buf []byte, blocks []world.Block) error {
	offsets, err := blockOffsets(header, blocks)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := checkFields(c, b.Fields); err != nil {
			return err
		}
	}
	for i, b := range blocks {
		c.Encode(buf, offsets[i], b.Fields)
	}
	return nil
}

// checkFields отсекает значения, на которых кодек паникует: для хранилища
// это входные данные, а не ошибка программиста.
func checkFields(c *codec.Codec, f codec.Fields) error {
	if !c.Knows(f.Material) {
		return fmt.Errorf("неизвестный материал %d", f.Material)
	}
	if math.IsNaN(f.Growth) || f.Growth < 0 || f.Growth > 1 {
		return fmt.Errorf("рост %v вне диапазона [0,1]", f.Growth)
	}
	return nil
}

func decodeBlock(header *world.Chunk, buf []byte, pos vec.Vec3) (world.Block, error) {
	off, err := header.BlockOffset(pos)
	if err != nil {
		return world.Block{}, err
	}
	return world.Block{Position: pos, Fields: codec.Decode(buf, off)}, nil
}

func notFound(op string, id uint64) error {
	return apperr.New(apperr.NotFound, op, "чанк %d не найден", id)
}

func noBuffer(op string, id uint64) error {
	return apperr.New(apperr.NotALeaf, op, "у чанка %d нет буфера блоков", id)
}
