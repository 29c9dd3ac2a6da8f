package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/presence"
	"github.com/annel0/spatial-core/internal/storage"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyObjects отказывает в записи документов выбранного вида
type flakyObjects struct {
	*storage.MemoryObjectStore
	mu       sync.Mutex
	failSet  map[storage.Kind]bool
	failDrop map[storage.Kind]bool
	setDelay time.Duration
}

func newFlakyObjects() *flakyObjects {
	return &flakyObjects{
		MemoryObjectStore: storage.NewMemoryObjectStore(),
		failSet:           map[storage.Kind]bool{},
		failDrop:          map[storage.Kind]bool{},
	}
}

func (f *flakyObjects) Set(ctx context.Context, kind storage.Kind, id string, doc interface{}) error {
	f.mu.Lock()
	fail, delay := f.failSet[kind], f.setDelay
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.MemoryObjectStore.Set(ctx, kind, id, doc)
}

func (f *flakyObjects) Remove(ctx context.Context, kind storage.Kind, id string) error {
	f.mu.Lock()
	fail := f.failDrop[kind]
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryObjectStore.Remove(ctx, kind, id)
}

// slowChunks задерживает запись буфера блоков. Срок запроса проверяется
// только до начала записи: начатая запись доводится до конца.
type slowChunks struct {
	*storage.MemoryChunkStore
	delay atomic.Int64
}

func (s *slowChunks) setDelay(d time.Duration) { s.delay.Store(int64(d)) }

func (s *slowChunks) WithBlockBuffer(ctx context.Context, chunkID uint64, fn func(buf []byte) error) error {
	if d := time.Duration(s.delay.Load()); d > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(d)
		ctx = context.WithoutCancel(ctx)
	}
	return s.MemoryChunkStore.WithBlockBuffer(ctx, chunkID, fn)
}

type fixture struct {
	index   *world.Index
	chunks  *storage.MemoryChunkStore
	slow    *slowChunks
	objects *flakyObjects
	coord   *Coordinator
	ids     *IDAllocator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	chunks := storage.NewMemoryChunkStore(codec.New(nil))
	slow := &slowChunks{MemoryChunkStore: chunks}
	ix, err := world.Build(context.Background(), slow, world.BuildOptions{
		MapID:    1,
		End:      vec.Vec3{X: 32, Y: 32, Z: 32},
		LeafSize: vec.Vec3{X: 16, Y: 16, Z: 16},
	})
	require.NoError(t, err)

	f := &fixture{index: ix, chunks: chunks, slow: slow, objects: newFlakyObjects(), ids: &IDAllocator{}}
	opts.Index = ix
	opts.Objects = f.objects
	opts.Knowledge = knowledge.Default()
	if opts.IDs == nil {
		opts.IDs = f.ids
	}
	f.coord, err = New(opts)
	require.NoError(t, err)
	return f
}

func ids(recs []ObjectRecord) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func (f *fixture) blockPresence(t *testing.T, pos vec.Vec3) (uint64, bool) {
	t.Helper()
	leafID, off, err := f.index.BlockOffset(context.Background(), pos)
	require.NoError(t, err)

	var ref uint64
	var filled bool
	require.NoError(t, f.chunks.WithBlockReadBuffer(context.Background(), leafID, func(buf []byte) error {
		ref = codec.ObjectRef(buf, off)
		filled = codec.HasFlag(buf, off, codec.FlagFilled)
		return nil
	}))
	return ref, filled
}

func TestInsertRetrieveDeleteScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	pos := vec.Vec3{X: 2, Y: 2, Z: 5}

	got, err := f.coord.Retrieve(ctx, pos)
	require.NoError(t, err)
	assert.Empty(t, got)

	o1, err := f.coord.Insert(ctx, pos, "deer")
	require.NoError(t, err)
	assert.Equal(t, knowledge.CategoryCreature, o1.Category)
	assert.Equal(t, uint64(1), o1.MapID)

	got, err = f.coord.Retrieve(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, []uint64{o1.ID}, ids(got))
	assert.True(t, f.coord.Filled().Contains(pos))

	o2, err := f.coord.Insert(ctx, pos, "oak_tree")
	require.NoError(t, err)
	got, err = f.coord.Retrieve(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, []uint64{o1.ID, o2.ID}, ids(got))

	ref, filled := f.blockPresence(t, pos)
	assert.True(t, filled)
	assert.Equal(t, o1.ID, ref)

	_, err = f.coord.Delete(ctx, o1.ID)
	require.NoError(t, err)
	got, err = f.coord.Retrieve(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, []uint64{o2.ID}, ids(got))

	// Ссылка блока переходит на следующий объект позиции
	ref, filled = f.blockPresence(t, pos)
	assert.True(t, filled)
	assert.Equal(t, o2.ID, ref)

	_, err = f.coord.Delete(ctx, o2.ID)
	require.NoError(t, err)
	got, err = f.coord.Retrieve(ctx, pos)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, f.coord.Filled().Contains(pos))

	ref, filled = f.blockPresence(t, pos)
	assert.False(t, filled)
	assert.Zero(t, ref)

	assert.Equal(t, 0, f.objects.Len(storage.KindObject))
	assert.Equal(t, 0, f.objects.Len(storage.KindMapObject))
}

func TestInsertDeleteSymmetry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cases := []struct {
		pos vec.Vec3
		ref string
	}{
		{vec.Vec3{}, "wolf"},
		{vec.Vec3{X: 31, Y: 31, Z: 31}, "wall"},
		{vec.Vec3{X: 16, Y: 15, Z: 16}, "spring"},
		{vec.Vec3{X: 7, Y: 20, Z: 30}, "stone_axe"},
	}
	for _, tc := range cases {
		before, err := f.coord.Retrieve(ctx, tc.pos)
		require.NoError(t, err)
		require.Empty(t, before)

		rec, err := f.coord.Insert(ctx, tc.pos, tc.ref)
		require.NoError(t, err)

		after, err := f.coord.Retrieve(ctx, tc.pos)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, rec.ID, after[0].ID)
		assert.Equal(t, tc.ref, after[0].KnowledgeRef)

		leaf, err := f.index.ChunkFor(ctx, tc.pos)
		require.NoError(t, err)
		assert.Equal(t, leaf.ID, rec.ChunkID)
		assert.Contains(t, f.coord.Filled().Chunk(leaf.ID), tc.pos)

		deleted, err := f.coord.Delete(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, deleted.ID)

		after, err = f.coord.Retrieve(ctx, tc.pos)
		require.NoError(t, err)
		assert.Empty(t, after)
		assert.False(t, f.coord.Filled().Contains(tc.pos))
	}
}

func TestInsertErrors(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.coord.Insert(ctx, vec.Vec3{}, "dragon")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = f.coord.Insert(ctx, vec.Vec3{X: 32}, "deer")
	assert.True(t, apperr.Is(err, apperr.OutOfBounds))

	_, err = f.coord.Retrieve(ctx, vec.Vec3{Z: -1})
	assert.True(t, apperr.Is(err, apperr.OutOfBounds))

	_, err = f.coord.Delete(ctx, 999)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, 0, f.coord.Presence().Len())
}

func TestDeleteBulk(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a := vec.Vec3{X: 1, Y: 1, Z: 1}
	b := vec.Vec3{X: 20, Y: 3, Z: 9}
	var created []ObjectRecord
	for _, in := range []struct {
		pos vec.Vec3
		ref string
	}{{a, "deer"}, {a, "wolf"}, {a, "grass"}, {b, "deer"}, {b, "oak_tree"}} {
		rec, err := f.coord.Insert(ctx, in.pos, in.ref)
		require.NoError(t, err)
		created = append(created, rec)
	}

	t.Run("unknown id aborts whole batch", func(t *testing.T) {
		_, err := f.coord.DeleteBulk(ctx, knowledge.CategoryAny, []uint64{created[0].ID, 12345})
		assert.True(t, apperr.Is(err, apperr.NotFound))
		assert.Equal(t, 5, f.coord.Presence().ObjectCount())
	})

	t.Run("category mismatch aborts whole batch", func(t *testing.T) {
		_, err := f.coord.DeleteBulk(ctx, knowledge.CategoryCreature, []uint64{created[0].ID, created[2].ID})
		assert.True(t, apperr.Is(err, apperr.NotFound))
		assert.Equal(t, 5, f.coord.Presence().ObjectCount())
	})

	t.Run("creatures", func(t *testing.T) {
		recs, err := f.coord.DeleteBulk(ctx, knowledge.CategoryCreature,
			[]uint64{created[0].ID, created[1].ID, created[3].ID, created[0].ID})
		require.NoError(t, err)
		assert.Equal(t, []uint64{created[0].ID, created[1].ID, created[3].ID}, ids(recs))

		got, err := f.coord.Retrieve(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []uint64{created[2].ID}, ids(got))
		got, err = f.coord.Retrieve(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, []uint64{created[4].ID}, ids(got))

		ref, filled := f.blockPresence(t, a)
		assert.True(t, filled)
		assert.Equal(t, created[2].ID, ref)
	})

	t.Run("rest empties positions", func(t *testing.T) {
		_, err := f.coord.DeleteBulk(ctx, knowledge.CategoryAny, []uint64{created[2].ID, created[4].ID})
		require.NoError(t, err)
		assert.Equal(t, 0, f.coord.Filled().Len())
		assert.Equal(t, 0, f.objects.Len(storage.KindMapObject))
	})
}

func TestDeleteBulkMatchesSequentialDeletes(t *testing.T) {
	ctx := context.Background()
	bulk := newFixture(t, Options{})
	seq := newFixture(t, Options{})

	positions := []vec.Vec3{{X: 3}, {X: 3}, {Y: 17}, {X: 30, Z: 2}, {Y: 17}}
	var bulkIDs, seqIDs []uint64
	for _, p := range positions {
		r1, err := bulk.coord.Insert(ctx, p, "wolf")
		require.NoError(t, err)
		r2, err := seq.coord.Insert(ctx, p, "wolf")
		require.NoError(t, err)
		bulkIDs = append(bulkIDs, r1.ID)
		seqIDs = append(seqIDs, r2.ID)
	}

	_, err := bulk.coord.DeleteBulk(ctx, knowledge.CategoryAny, bulkIDs[1:4])
	require.NoError(t, err)
	for _, id := range seqIDs[1:4] {
		_, err := seq.coord.Delete(ctx, id)
		require.NoError(t, err)
	}

	for _, p := range positions {
		want, err := seq.coord.Retrieve(ctx, p)
		require.NoError(t, err)
		got, err := bulk.coord.Retrieve(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, ids(want), ids(got), "позиция %s", p)
	}
	assert.Equal(t, seq.coord.Filled().All(), bulk.coord.Filled().All())
}

func TestDeleteBulkRollsBackOnStorageFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	r1, err := f.coord.Insert(ctx, vec.Vec3{X: 1}, "deer")
	require.NoError(t, err)
	r2, err := f.coord.Insert(ctx, vec.Vec3{X: 2}, "deer")
	require.NoError(t, err)

	// Записи присутствия удаляются, а удаление записей объектов отказывает
	f.objects.failDrop[storage.KindObject] = true
	_, err = f.coord.DeleteBulk(ctx, knowledge.CategoryAny, []uint64{r1.ID, r2.ID})
	assert.True(t, apperr.Is(err, apperr.StorageFailure))
	f.objects.failDrop[storage.KindObject] = false

	assert.Equal(t, 2, f.coord.Presence().ObjectCount())
	assert.Equal(t, 2, f.objects.Len(storage.KindMapObject))
	assert.Equal(t, 2, f.objects.Len(storage.KindObject))
	_, filled := f.blockPresence(t, vec.Vec3{X: 1})
	assert.True(t, filled)
}

func TestInsertStorageFailureLeavesIndexUnchanged(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	pos := vec.Vec3{X: 5, Y: 5, Z: 5}

	f.objects.failSet[storage.KindMapObject] = true
	_, err := f.coord.Insert(ctx, pos, "deer")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.StorageFailure))

	assert.Equal(t, 0, f.coord.Presence().Len())
	assert.False(t, f.coord.Filled().Contains(pos))
	// Запись объекта откатана
	assert.Equal(t, 0, f.objects.Len(storage.KindObject))
	_, filled := f.blockPresence(t, pos)
	assert.False(t, filled)

	f.objects.failSet[storage.KindMapObject] = false
	_, err = f.coord.Insert(ctx, pos, "deer")
	require.NoError(t, err)
}

func TestDeleteStorageFailureLeavesIndexUnchanged(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	pos := vec.Vec3{X: 9}

	rec, err := f.coord.Insert(ctx, pos, "wolf")
	require.NoError(t, err)

	f.objects.failDrop[storage.KindObject] = true
	_, err = f.coord.Delete(ctx, rec.ID)
	assert.True(t, apperr.Is(err, apperr.StorageFailure))
	f.objects.failDrop[storage.KindObject] = false

	got, err := f.coord.Retrieve(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, []uint64{rec.ID}, ids(got))
	assert.Equal(t, 1, f.objects.Len(storage.KindMapObject))
	ref, _ := f.blockPresence(t, pos)
	assert.Equal(t, rec.ID, ref)
}

func TestConcurrentInsertsAtOnePosition(t *testing.T) {
	for _, mode := range []LockMode{LockModeMap, LockModePosition} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, Options{Locks: NewLockTable(mode, 64)})
			ctx := context.Background()
			pos := vec.Vec3{X: 2, Y: 2, Z: 5}

			const n = 50
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.coord.Insert(ctx, pos, "deer")
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := f.coord.Retrieve(ctx, pos)
			require.NoError(t, err)
			assert.Len(t, got, n)

			// Ни одна вставка не потерялась в долговременной записи
			var durable presence.MapObject
			require.NoError(t, f.objects.Get(ctx, storage.KindMapObject, presence.Key(1, pos), &durable))
			assert.Len(t, durable.Occupants, n)
			assert.Equal(t, ids(got), occupantIDs(durable))
		})
	}
}

func TestConcurrentDisjointPositions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for x := 0; x < 32; x++ {
		wg.Add(1)
		go func(x int) {
			defer wg.Done()
			pos := vec.Vec3{X: x, Y: x % 7, Z: 31 - x}
			rec, err := f.coord.Insert(ctx, pos, "grass")
			if !assert.NoError(t, err) {
				return
			}
			_, err = f.coord.Delete(ctx, rec.ID)
			assert.NoError(t, err)
		}(x)
	}
	wg.Wait()

	assert.Equal(t, 0, f.coord.Presence().Len())
	assert.Equal(t, 0, f.objects.Len(storage.KindObject))
}

func occupantIDs(m presence.MapObject) []uint64 {
	out := make([]uint64, len(m.Occupants))
	for i, o := range m.Occupants {
		out[i] = o.ID
	}
	return out
}

func TestLockTimeout(t *testing.T) {
	locks := NewLockTable(LockModeMap, 0)
	f := newFixture(t, Options{Locks: locks})
	pos := vec.Vec3{X: 4}

	release, _, err := locks.Acquire(context.Background(), 1, vec.Vec3{X: 30})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.coord.Insert(ctx, pos, "deer")
	assert.True(t, apperr.Is(err, apperr.LockTimeout), "got %v", err)
	assert.False(t, apperr.Is(err, apperr.StorageFailure))
	assert.Equal(t, 0, f.objects.Len(storage.KindObject))

	release()
	_, err = f.coord.Insert(context.Background(), pos, "deer")
	require.NoError(t, err)
}

func TestWarmRestoresPresence(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	pos := vec.Vec3{X: 12, Y: 13, Z: 14}

	r1, err := f.coord.Insert(ctx, pos, "deer")
	require.NoError(t, err)
	r2, err := f.coord.Insert(ctx, pos, "wolf")
	require.NoError(t, err)

	// Новый координатор над теми же хранилищами
	restarted, err := New(Options{Index: f.index, Objects: f.objects, Knowledge: knowledge.Default()})
	require.NoError(t, err)
	require.NoError(t, restarted.Warm(ctx))

	got, err := restarted.Retrieve(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, []uint64{r1.ID, r2.ID}, ids(got))
	assert.True(t, restarted.Filled().Contains(pos))

	r3, err := restarted.Insert(ctx, pos, "deer")
	require.NoError(t, err)
	assert.Greater(t, r3.ID, r2.ID)
	assert.Equal(t, 3, restarted.Stats().Objects)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()

	f := newFixture(t, Options{Bus: bus})
	ctx := context.Background()

	received := make(chan eventbus.ObjectEvent, 8)
	types := make(chan string, 8)
	_, err := bus.Subscribe(ctx, eventbus.Filter{Maps: []uint64{1}}, func(_ context.Context, env *eventbus.Envelope) {
		ev, err := eventbus.DecodeObjectEvent(env)
		if assert.NoError(t, err) {
			types <- env.EventType
			received <- ev
		}
	})
	require.NoError(t, err)

	pos := vec.Vec3{X: 2, Y: 2, Z: 5}
	rec, err := f.coord.Insert(ctx, pos, "deer")
	require.NoError(t, err)
	_, err = f.coord.Delete(ctx, rec.ID)
	require.NoError(t, err)

	for _, want := range []string{eventbus.TypeObjectInserted, eventbus.TypeObjectDeleted} {
		select {
		case typ := <-types:
			ev := <-received
			assert.Equal(t, want, typ)
			assert.Equal(t, rec.ID, ev.ObjectID)
			assert.Equal(t, pos, ev.Position)
			assert.True(t, ev.Changed)
		case <-time.After(time.Second):
			t.Fatalf("событие %s не получено", want)
		}
	}
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, Options{Metrics: m})
	ctx := context.Background()

	_, err := f.coord.Insert(ctx, vec.Vec3{X: 1}, "deer")
	require.NoError(t, err)
	_, err = f.coord.Insert(ctx, vec.Vec3{X: 1}, "unicorn")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("insert", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("insert", "NotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.filled.WithLabelValues("1")))
}

func TestDeleteBulkIsAtomicForConcurrentReaders(t *testing.T) {
	f := newFixture(t, Options{Locks: NewLockTable(LockModePosition, 1024)})
	ctx := context.Background()
	positions := []vec.Vec3{{X: 2, Y: 2, Z: 5}, {X: 20, Y: 3, Z: 3}, {X: 20, Y: 20, Z: 20}}

	var batch []uint64
	for _, pos := range positions {
		rec, err := f.coord.Insert(ctx, pos, "deer")
		require.NoError(t, err)
		batch = append(batch, rec.ID)
	}

	f.slow.setDelay(40 * time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.DeleteBulk(ctx, knowledge.CategoryCreature, batch)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// Читатель не должен увидеть пакет удалённым частично
	var seen []bool
	finished := false
	for !finished {
		select {
		case err := <-done:
			require.NoError(t, err)
			finished = true
		default:
		}
		for _, pos := range positions {
			got, err := f.coord.Retrieve(ctx, pos)
			require.NoError(t, err)
			seen = append(seen, len(got) > 0)
		}
	}

	emptied := false
	for i, present := range seen {
		if emptied {
			assert.False(t, present, "наблюдение %d после удаления", i)
		}
		if !present {
			emptied = true
		}
	}
	assert.False(t, seen[len(seen)-1])
	assert.Equal(t, 0, f.coord.Presence().Len())
	assert.Equal(t, 0, f.objects.Len(storage.KindObject))
}

func TestInsertDeadlineDuringStorageIsTimeout(t *testing.T) {
	f := newFixture(t, Options{})
	pos := vec.Vec3{X: 6, Y: 6, Z: 6}

	f.objects.mu.Lock()
	f.objects.setDelay = 200 * time.Millisecond
	f.objects.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.coord.Insert(ctx, pos, "deer")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.LockTimeout), "got %v", err)
	assert.False(t, apperr.Is(err, apperr.StorageFailure))

	// Ничего не записано
	assert.Equal(t, 0, f.coord.Presence().Len())
	assert.Equal(t, 0, f.objects.Len(storage.KindObject))
	assert.Equal(t, 0, f.objects.Len(storage.KindMapObject))
	_, filled := f.blockPresence(t, pos)
	assert.False(t, filled)
}
