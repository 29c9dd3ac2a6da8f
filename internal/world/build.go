package world

import (
	"context"
	"fmt"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/vec"
)

// BuildOptions описывает разбиение карты на чанки
type BuildOptions struct {
	MapID    uint64
	Start    vec.Vec3
	End      vec.Vec3
	LeafSize vec.Vec3
	// FirstID — идентификатор корня; остальные чанки нумеруются подряд
	FirstID uint64
	Cache   ChunkCache
}

// Build разбивает объём [Start, End) на дерево чанков: каждая ось, длиннее
// листа, делится пополам по границе, кратной размеру листа. Листья получают
// пустые буферы блоков. Связи соседства строятся после записи дерева.
func Build(ctx context.Context, store ChunkStore, opts BuildOptions) (*Index, error) {
	if opts.End.Sub(opts.Start).Volume() == 0 {
		return nil, fmt.Errorf("пустые границы карты %s-%s", opts.Start, opts.End)
	}
	if opts.LeafSize.Volume() == 0 {
		return nil, fmt.Errorf("некорректный размер листа %s", opts.LeafSize)
	}
	if opts.FirstID == 0 {
		opts.FirstID = 1
	}

	b := &builder{leaf: opts.LeafSize, nextID: opts.FirstID}
	rootID := b.node(0, 0, opts.Start, opts.End)

	for i := 0; i < len(b.chunks); i += buildBatch {
		end := i + buildBatch
		if end > len(b.chunks) {
			end = len(b.chunks)
		}
		if err := store.PutChunks(ctx, b.chunks[i:end]); err != nil {
			return nil, fmt.Errorf("запись дерева чанков: %w", err)
		}
	}

	ix := NewIndex(opts.MapID, rootID, store, opts.Cache)
	if err := ix.LinkAll(ctx); err != nil {
		return nil, fmt.Errorf("построение соседства: %w", err)
	}

	logging.Info("Карта %d построена: %d чанков (%d листьев), границы %s-%s",
		opts.MapID, len(b.chunks), b.leaves, opts.Start, opts.End)
	return ix, nil
}

// Open возвращает индекс карты, уже записанной в хранилище, или строит её.
// built сообщает, что дерево было построено заново. Сохранённый корень с
// другими границами считается ошибкой конфигурации.
func Open(ctx context.Context, store ChunkStore, opts BuildOptions) (ix *Index, built bool, err error) {
	if opts.FirstID == 0 {
		opts.FirstID = 1
	}

	root, err := store.GetChunk(ctx, opts.FirstID)
	switch {
	case apperr.Is(err, apperr.NotFound):
		ix, err = Build(ctx, store, opts)
		return ix, err == nil, err
	case err != nil:
		return nil, false, fmt.Errorf("чтение корня карты %d: %w", opts.MapID, err)
	}

	if !root.Root || root.Start != opts.Start || root.End != opts.End {
		return nil, false, fmt.Errorf("карта %d: в хранилище чанк %d с границами %s-%s, ожидались %s-%s",
			opts.MapID, root.ID, root.Start, root.End, opts.Start, opts.End)
	}
	logging.Info("Карта %d открыта из хранилища, корень %d", opts.MapID, root.ID)
	return NewIndex(opts.MapID, root.ID, store, opts.Cache), false, nil
}

const buildBatch = 256

type builder struct {
	leaf   vec.Vec3
	nextID uint64
	chunks []*Chunk
	leaves int
}

func (b *builder) node(parentID uint64, depth int, start, end vec.Vec3) uint64 {
	id := b.nextID
	b.nextID++

	xs := splitAxis(start.X, end.X, b.leaf.X)
	ys := splitAxis(start.Y, end.Y, b.leaf.Y)
	zs := splitAxis(start.Z, end.Z, b.leaf.Z)

	if len(xs) == 1 && len(ys) == 1 && len(zs) == 1 {
		b.chunks = append(b.chunks, NewLeaf(id, parentID, depth, start, end))
		b.leaves++
		return id
	}

	// Родитель записывается раньше детей, чтобы порядок в хранилище шёл сверху вниз
	c := NewInterior(id, parentID, depth, start, end, nil)
	b.chunks = append(b.chunks, c)
	for _, x := range xs {
		for _, y := range ys {
			for _, z := range zs {
				childID := b.node(id, depth+1,
					vec.Vec3{X: x[0], Y: y[0], Z: z[0]},
					vec.Vec3{X: x[1], Y: y[1], Z: z[1]})
				c.Children = append(c.Children, childID)
			}
		}
	}
	return id
}

// splitAxis делит отрезок [start, end) пополам по кратной leaf границе
func splitAxis(start, end, leaf int) [][2]int {
	size := end - start
	if size <= leaf {
		return [][2]int{{start, end}}
	}
	cells := (size + leaf - 1) / leaf
	mid := start + (cells+1)/2*leaf
	return [][2]int{{start, mid}, {mid, end}}
}
