package world

import (
	"context"
	"fmt"

	"github.com/annel0/spatial-core/internal/vec"
)

// adjacent проверяет, что b примыкает к a в направлении d:
// по ненулевым осям грани совпадают, по нулевым отрезки пересекаются.
func adjacent(a, b *Chunk, d Direction) bool {
	o := d.Offset()
	axes := [3][5]int{
		{o.X, a.Start.X, a.End.X, b.Start.X, b.End.X},
		{o.Y, a.Start.Y, a.End.Y, b.Start.Y, b.End.Y},
		{o.Z, a.Start.Z, a.End.Z, b.Start.Z, b.End.Z},
	}
	for _, ax := range axes {
		off, aStart, aEnd, bStart, bEnd := ax[0], ax[1], ax[2], ax[3], ax[4]
		switch off {
		case 1:
			if bStart != aEnd {
				return false
			}
		case -1:
			if bEnd != aStart {
				return false
			}
		default:
			if bStart >= aEnd || aStart >= bEnd {
				return false
			}
		}
	}
	return true
}

// probePoint — точка сразу за границей a в направлении d
func probePoint(a *Chunk, d Direction) vec.Vec3 {
	o := d.Offset()
	pick := func(off, start, end int) int {
		switch off {
		case 1:
			return end
		case -1:
			return start - 1
		}
		return start
	}
	return vec.Vec3{
		X: pick(o.X, a.Start.X, a.End.X),
		Y: pick(o.Y, a.Start.Y, a.End.Y),
		Z: pick(o.Z, a.Start.Z, a.End.Z),
	}
}

// Neighbor возвращает соседа чанка id в направлении d
func (ix *Index) Neighbor(ctx context.Context, id uint64, d Direction) (uint64, bool, error) {
	c, err := ix.GetChunk(ctx, id)
	if err != nil {
		return 0, false, err
	}
	n, ok := c.Neighbor(d)
	return n, ok, nil
}

// SetNeighbor связывает a и b в направлении d и обратную связь b→a.
// Прежние связи в этих слотах разрываются с обеих сторон.
func (ix *Index) SetNeighbor(ctx context.Context, aID uint64, d Direction, bID uint64) error {
	if !d.Valid() {
		return fmt.Errorf("недопустимое направление %d", d)
	}
	if aID == bID {
		return fmt.Errorf("чанк %d не может быть соседом самому себе", aID)
	}

	ix.topoMu.Lock()
	defer ix.topoMu.Unlock()

	a, err := ix.GetChunk(ctx, aID)
	if err != nil {
		return err
	}
	b, err := ix.GetChunk(ctx, bID)
	if err != nil {
		return err
	}
	if a.Depth != b.Depth {
		return fmt.Errorf("чанки %d и %d на разной глубине (%d/%d)", aID, bID, a.Depth, b.Depth)
	}
	if !adjacent(a, b, d) {
		return fmt.Errorf("чанк %d не примыкает к %d в направлении %s", bID, aID, d)
	}

	opp := d.Opposite()
	changed := map[uint64]*Chunk{a.ID: a, b.ID: b}

	detach := func(owner *Chunk, slot Direction) error {
		prev := owner.Neighbors[slot]
		if prev == 0 || prev == a.ID || prev == b.ID {
			return nil
		}
		p, ok := changed[prev]
		if !ok {
			if p, err = ix.GetChunk(ctx, prev); err != nil {
				return err
			}
			changed[prev] = p
		}
		if p.Neighbors[slot.Opposite()] == owner.ID {
			p.Neighbors[slot.Opposite()] = 0
		}
		return nil
	}
	if err := detach(a, d); err != nil {
		return err
	}
	if err := detach(b, opp); err != nil {
		return err
	}

	a.Neighbors[d] = b.ID
	b.Neighbors[opp] = a.ID

	batch := make([]*Chunk, 0, len(changed))
	for _, c := range changed {
		batch = append(batch, c)
	}
	return ix.PutChunks(ctx, batch)
}

// Unlink разрывает все связи чанка с соседями с обеих сторон
func (ix *Index) Unlink(ctx context.Context, id uint64) error {
	ix.topoMu.Lock()
	defer ix.topoMu.Unlock()

	c, err := ix.GetChunk(ctx, id)
	if err != nil {
		return err
	}

	batch := []*Chunk{c}
	for _, d := range AllDirections {
		nID := c.Neighbors[d]
		if nID == 0 {
			continue
		}
		n, err := ix.GetChunk(ctx, nID)
		if err != nil {
			return err
		}
		if n.Neighbors[d.Opposite()] == id {
			n.Neighbors[d.Opposite()] = 0
		}
		c.Neighbors[d] = 0
		batch = append(batch, n)
	}
	if len(batch) == 1 {
		return nil
	}
	return ix.PutChunks(ctx, batch)
}

// LinkAll заново вычисляет связи соседства всех чанков по геометрии:
// сосед в направлении d — чанк той же глубины, содержащий пробную точку
// за границей и примыкающий к ней гранью, ребром или углом.
func (ix *Index) LinkAll(ctx context.Context) error {
	ix.topoMu.Lock()
	defer ix.topoMu.Unlock()

	chunks := make(map[uint64]*Chunk)
	if err := ix.ForEachChunk(ctx, func(c *Chunk) error {
		chunks[c.ID] = c
		return nil
	}); err != nil {
		return err
	}
	root, ok := chunks[ix.rootID]
	if !ok {
		return fmt.Errorf("корневой чанк %d не найден", ix.rootID)
	}

	atDepth := func(p vec.Vec3, depth int) *Chunk {
		cur := root
		if !cur.Contains(p) {
			return nil
		}
		for cur.Depth < depth {
			if cur.Leaf {
				return nil
			}
			var next *Chunk
			for _, childID := range cur.Children {
				if ch := chunks[childID]; ch != nil && ch.Contains(p) {
					next = ch
					break
				}
			}
			if next == nil {
				return nil
			}
			cur = next
		}
		return cur
	}

	for _, c := range chunks {
		c.Neighbors = [NumDirections]uint64{}
	}
	links := 0
	for _, c := range chunks {
		for _, d := range AllDirections {
			n := atDepth(probePoint(c, d), c.Depth)
			if n == nil || n.ID == c.ID || !adjacent(c, n, d) {
				continue
			}
			c.Neighbors[d] = n.ID
			n.Neighbors[d.Opposite()] = c.ID
			links++
		}
	}

	batch := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		batch = append(batch, c)
	}
	if err := ix.PutChunks(ctx, batch); err != nil {
		return err
	}
	ix.log.Debug("Карта %d: связано %d чанков, %d связей соседства", ix.mapID, len(chunks), links)
	return nil
}
