package world

import (
	"fmt"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/vec"
)

// Chunk — узел пространственного дерева. Внутренний чанк хранит ссылки на
// дочерние чанки, листовой — упакованный буфер блочных записей.
// Границы полуоткрытые: Start включительно, End исключительно.
type Chunk struct {
	ID        uint64                `json:"id"`
	Start     vec.Vec3              `json:"start"`
	End       vec.Vec3              `json:"end"`
	Bounds    vec.CenterExtent      `json:"bounds"`
	ParentID  uint64                `json:"parent_id"` // 0 для корня
	Root      bool                  `json:"root"`
	Depth     int                   `json:"depth"`
	Neighbors [NumDirections]uint64 `json:"neighbors"` // 0 — соседа нет

	Leaf     bool     `json:"leaf"`
	Children []uint64 `json:"children,omitempty"`

	// Blocks — буфер записей листа (BlockCount × codec.RecordSize).
	// nil у заголовка: хранилище сохраняет ранее записанный буфер.
	Blocks []byte `json:"-"`
}

// Block — блочная запись с мировой позицией
type Block struct {
	Position vec.Vec3     `json:"position"`
	Fields   codec.Fields `json:"fields"`
}

// NewLeaf создаёт листовой чанк с пустым буфером: все записи помечены EMPTY
func NewLeaf(id, parentID uint64, depth int, start, end vec.Vec3) *Chunk {
	c := &Chunk{
		ID:       id,
		Start:    start,
		End:      end,
		Bounds:   vec.BoxToCenterExtent(start, end),
		ParentID: parentID,
		Root:     parentID == 0,
		Depth:    depth,
		Leaf:     true,
	}
	c.Blocks = codec.NewBuffer(c.BlockCount())
	for off := 0; off < len(c.Blocks); off += codec.RecordSize {
		codec.AddFlag(c.Blocks, off, codec.FlagEmpty)
	}
	return c
}

// NewInterior создаёт внутренний чанк
func NewInterior(id, parentID uint64, depth int, start, end vec.Vec3, children []uint64) *Chunk {
	return &Chunk{
		ID:       id,
		Start:    start,
		End:      end,
		Bounds:   vec.BoxToCenterExtent(start, end),
		ParentID: parentID,
		Root:     parentID == 0,
		Depth:    depth,
		Children: append([]uint64(nil), children...),
	}
}

// Size возвращает размеры чанка по осям
func (c *Chunk) Size() vec.Vec3 {
	return c.End.Sub(c.Start)
}

// BlockCount возвращает количество блоков в объёме чанка
func (c *Chunk) BlockCount() int {
	return c.Size().Volume()
}

// Contains проверяет, что позиция внутри [Start, End)
func (c *Chunk) Contains(p vec.Vec3) bool {
	return p.X >= c.Start.X && p.X < c.End.X &&
		p.Y >= c.Start.Y && p.Y < c.End.Y &&
		p.Z >= c.Start.Z && p.Z < c.End.Z
}

// BlockOffset вычисляет смещение записи позиции в буфере листа
// (row-major: x старшая ось, затем y, затем z).
func (c *Chunk) BlockOffset(p vec.Vec3) (int, error) {
	if !c.Leaf {
		return 0, apperr.New(apperr.NotALeaf, "chunk.BlockOffset", "чанк %d внутренний", c.ID)
	}
	if !c.Contains(p) {
		return 0, apperr.New(apperr.OutOfBounds, "chunk.BlockOffset", "позиция %s вне чанка %d", p, c.ID)
	}

	size := c.Size()
	local := p.Sub(c.Start)
	index := (local.X*size.Y+local.Y)*size.Z + local.Z
	return index * codec.RecordSize, nil
}

// PositionAt — обратное к BlockOffset преобразование
func (c *Chunk) PositionAt(offset int) vec.Vec3 {
	size := c.Size()
	index := offset / codec.RecordSize
	z := index % size.Z
	y := (index / size.Z) % size.Y
	x := index / (size.Z * size.Y)
	return c.Start.Add(vec.Vec3{X: x, Y: y, Z: z})
}

// Neighbor возвращает соседа в направлении d
func (c *Chunk) Neighbor(d Direction) (uint64, bool) {
	if !d.Valid() {
		return 0, false
	}
	id := c.Neighbors[d]
	return id, id != 0
}

// Validate проверяет инварианты чанка: внутренний XOR лист,
// согласованность объёма и размера буфера.
func (c *Chunk) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("чанк без id")
	}
	if c.BlockCount() == 0 {
		return fmt.Errorf("чанк %d: пустой объём %s-%s", c.ID, c.Start, c.End)
	}
	if c.Root != (c.ParentID == 0) {
		return fmt.Errorf("чанк %d: флаг root не согласован с parent_id", c.ID)
	}
	if !c.Bounds.ContainsBox(c.Start, c.End) {
		return fmt.Errorf("чанк %d: bounds не покрывают объём", c.ID)
	}

	if c.Leaf {
		if len(c.Children) != 0 {
			return fmt.Errorf("чанк %d: лист с дочерними чанками", c.ID)
		}
		if c.Blocks != nil && len(c.Blocks) != c.BlockCount()*codec.RecordSize {
			return fmt.Errorf("чанк %d: размер буфера %d, ожидалось %d",
				c.ID, len(c.Blocks), c.BlockCount()*codec.RecordSize)
		}
		return nil
	}

	if len(c.Children) == 0 {
		return fmt.Errorf("чанк %d: внутренний без дочерних чанков", c.ID)
	}
	if c.Blocks != nil {
		return fmt.Errorf("чанк %d: внутренний с буфером блоков", c.ID)
	}
	return nil
}

// Header возвращает копию чанка без буфера блоков
func (c *Chunk) Header() *Chunk {
	h := *c
	h.Children = append([]uint64(nil), c.Children...)
	h.Blocks = nil
	return &h
}

// Clone возвращает глубокую копию чанка
func (c *Chunk) Clone() *Chunk {
	cp := c.Header()
	if c.Blocks != nil {
		cp.Blocks = append([]byte(nil), c.Blocks...)
	}
	return cp
}
