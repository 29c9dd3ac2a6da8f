package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, f *fixture) *Service {
	t.Helper()
	s := NewService(ServiceConfig{Workers: 4, RequestTimeout: time.Second})
	require.NoError(t, s.Register(f.coord))
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestServiceAsk(t *testing.T) {
	f := newFixture(t, Options{})
	s := newTestService(t, f)
	ctx := context.Background()
	pos := vec.Vec3{X: 2, Y: 2, Z: 5}

	resp, err := s.Ask(ctx, InsertObject{MapID: 1, Position: pos, KnowledgeRef: "deer"})
	require.NoError(t, err)
	inserted, ok := resp.(InsertObjectSuccess)
	require.True(t, ok)

	resp, err = s.Ask(ctx, RetrieveObjects{MapID: 1, Position: pos})
	require.NoError(t, err)
	retrieved := resp.(RetrieveObjectsSuccess)
	assert.Equal(t, pos, retrieved.Position)
	assert.Equal(t, []uint64{inserted.Object.ID}, ids(retrieved.Objects))

	resp, err = s.Ask(ctx, DeleteBulkObjects{MapID: 1, Category: knowledge.CategoryCreature, ObjectIDs: []uint64{inserted.Object.ID}})
	require.NoError(t, err)
	assert.Len(t, resp.(DeleteBulkObjectsSuccess).Objects, 1)

	_, err = s.Ask(ctx, DeleteObject{MapID: 1, ObjectID: inserted.Object.ID})
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestServiceUnknownMap(t *testing.T) {
	f := newFixture(t, Options{})
	s := newTestService(t, f)

	_, err := s.Ask(context.Background(), RetrieveObjects{MapID: 42})
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, []uint64{1}, s.Maps())
	assert.Error(t, s.Register(f.coord))
}

func TestServiceTimeoutIsLockTimeout(t *testing.T) {
	locks := NewLockTable(LockModeMap, 0)
	f := newFixture(t, Options{Locks: locks})
	s := newTestService(t, f)

	release, _, err := locks.Acquire(context.Background(), 1, vec.Vec3{})
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.Ask(ctx, InsertObject{MapID: 1, Position: vec.Vec3{X: 1}, KnowledgeRef: "deer"})
	assert.True(t, apperr.Is(err, apperr.LockTimeout), "got %v", err)
}

func TestServiceStopped(t *testing.T) {
	f := newFixture(t, Options{})
	s := NewService(ServiceConfig{Workers: 1})
	require.NoError(t, s.Register(f.coord))
	s.Start()
	s.Stop()

	_, err := s.Ask(context.Background(), RetrieveObjects{MapID: 1})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLockTableOrderingAndRelease(t *testing.T) {
	lt := NewLockTable(LockModePosition, 8)
	assert.Equal(t, 8, lt.Stripes())
	ctx := context.Background()

	a, b := vec.Vec3{X: 1}, vec.Vec3{X: 2}
	release, _, err := lt.Acquire(ctx, 1, a, b, a)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, _, err = lt.Acquire(short, 1, b)
	assert.True(t, apperr.Is(err, apperr.LockTimeout))

	release()
	release() // повторный вызов безопасен

	r2, _, err := lt.Acquire(ctx, 1, b, a)
	require.NoError(t, err)
	r2()
}

func TestParseLockMode(t *testing.T) {
	m, err := ParseLockMode("")
	require.NoError(t, err)
	assert.Equal(t, LockModePosition, m)

	m, err = ParseLockMode("map")
	require.NoError(t, err)
	assert.Equal(t, LockModeMap, m)
	assert.Equal(t, 1, NewLockTable(m, 128).Stripes())

	_, err = ParseLockMode("chunk")
	assert.Error(t, err)
}

func TestIDAllocatorObserve(t *testing.T) {
	var a IDAllocator
	assert.Equal(t, uint64(1), a.Next())
	a.Observe(10)
	a.Observe(4)
	assert.Equal(t, uint64(11), a.Next())
}

func TestServiceDeliversResultOfStartedRequest(t *testing.T) {
	f := newFixture(t, Options{})
	s := newTestService(t, f)
	pos := vec.Vec3{X: 3, Y: 3, Z: 3}

	// Запись начинается до истечения срока и завершается после него
	f.slow.setDelay(150 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp, err := s.Ask(ctx, InsertObject{MapID: 1, Position: pos, KnowledgeRef: "deer"})
	require.NoError(t, err)
	inserted := resp.(InsertObjectSuccess)

	f.slow.setDelay(0)
	got, err := f.coord.Retrieve(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, []uint64{inserted.Object.ID}, ids(got))
	ref, filled := f.blockPresence(t, pos)
	assert.True(t, filled)
	assert.Equal(t, inserted.Object.ID, ref)
}

func TestServiceHotPositionDoesNotStallOthers(t *testing.T) {
	locks := NewLockTable(LockModePosition, 1024)
	f := newFixture(t, Options{Locks: locks})
	s := NewService(ServiceConfig{Workers: 2, RequestTimeout: 5 * time.Second})
	require.NoError(t, s.Register(f.coord))
	s.Start()
	t.Cleanup(s.Stop)

	f.slow.setDelay(150 * time.Millisecond)
	hot, cold := vec.Vec3{X: 1, Y: 1, Z: 1}, vec.Vec3{X: 30, Y: 30, Z: 30}
	require.NotEqual(t, locks.stripeOf(1, hot), locks.stripeOf(1, cold))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Ask(context.Background(), InsertObject{MapID: 1, Position: hot, KnowledgeRef: "deer"})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)

	// Ожидающие блокировку запросы не занимают рабочие слоты
	started := time.Now()
	_, err := s.Ask(context.Background(), RetrieveObjects{MapID: 1, Position: cold})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 100*time.Millisecond)

	wg.Wait()
	got, err := f.coord.Retrieve(context.Background(), hot)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}
