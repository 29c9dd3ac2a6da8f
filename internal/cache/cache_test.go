package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/storage"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu        sync.Mutex
	published []string
	handler   InvalidationHandler
}

func (r *recordingInvalidator) PublishInvalidation(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, key)
	return nil
}

func (r *recordingInvalidator) SubscribeInvalidations(_ context.Context, h InvalidationHandler) error {
	r.handler = h
	return nil
}

func (r *recordingInvalidator) Close() error { return nil }

func (r *recordingInvalidator) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.published
	r.published = nil
	return out
}

func TestChunkCacheSetGetInvalidate(t *testing.T) {
	inv := &recordingInvalidator{}
	c, err := NewChunkCache(ChunkCacheConfig{MapID: 3, MaxChunks: 100, Invalidator: inv})
	require.NoError(t, err)
	defer c.Close()

	leaf := world.NewLeaf(5, 1, 1, vec.Vec3{}, vec.Vec3{X: 2, Y: 2, Z: 2}).Header()
	c.Set(leaf)

	got, ok := c.Get(5)
	require.True(t, ok)
	assert.Equal(t, leaf.ID, got.ID)

	c.Invalidate(5)
	_, ok = c.Get(5)
	assert.False(t, ok)

	assert.Equal(t, []string{"chunk:3:5", "chunk:3:5"}, inv.published)
	assert.GreaterOrEqual(t, c.Metrics().Hits, uint64(1))
}

func TestChunkCacheRemoteInvalidation(t *testing.T) {
	inv := &recordingInvalidator{}
	c, err := NewChunkCache(ChunkCacheConfig{MapID: 3, Invalidator: inv})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background()))

	c.Set(world.NewLeaf(5, 1, 1, vec.Vec3{}, vec.Vec3{X: 2, Y: 2, Z: 2}).Header())
	c.Set(world.NewLeaf(6, 1, 1, vec.Vec3{X: 2}, vec.Vec3{X: 4, Y: 2, Z: 2}).Header())

	require.NotNil(t, inv.handler)
	require.NoError(t, inv.handler(ChunkKey(3, 5)))
	require.NoError(t, inv.handler(ChunkKey(4, 6))) // другая карта
	assert.Error(t, inv.handler("garbage"))

	_, ok := c.Get(5)
	assert.False(t, ok)
	_, ok = c.Get(6)
	assert.True(t, ok)
}

func TestChunkCacheReadsStayLocal(t *testing.T) {
	ctx := context.Background()
	inv := &recordingInvalidator{}
	c, err := NewChunkCache(ChunkCacheConfig{MapID: 1, Invalidator: inv})
	require.NoError(t, err)
	defer c.Close()

	store := storage.NewMemoryChunkStore(codec.New(nil))
	built, err := world.Build(ctx, store, world.BuildOptions{
		MapID:    1,
		End:      vec.Vec3{X: 32, Y: 16, Z: 16},
		LeafSize: vec.Vec3{X: 16, Y: 16, Z: 16},
	})
	require.NoError(t, err)

	// Новый индекс над тем же деревом: все заголовки читаются из хранилища
	ix := world.NewIndex(1, built.RootID(), store, c)
	inv.take()

	leaf, err := ix.ChunkFor(ctx, vec.Vec3{X: 20})
	require.NoError(t, err)
	_, err = ix.GetChunk(ctx, ix.RootID())
	require.NoError(t, err)
	require.NoError(t, ix.ForEachChunk(ctx, func(*world.Chunk) error { return nil }))
	assert.Empty(t, inv.take(), "чтение не должно рассылать инвалидации")

	require.NoError(t, ix.PutChunk(ctx, leaf))
	assert.Equal(t, []string{ChunkKey(1, leaf.ID)}, inv.take())

	c.cache.Wait()
	got, ok := c.Get(ix.RootID())
	require.True(t, ok)
	assert.Equal(t, ix.RootID(), got.ID)
}

func TestChunkKeyRoundTrip(t *testing.T) {
	mapID, chunkID, err := ParseChunkKey(ChunkKey(12, 345))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), mapID)
	assert.Equal(t, uint64(345), chunkID)

	_, _, err = ParseChunkKey("chunk:x:1")
	assert.Error(t, err)
}

func TestNATSInvalidatorBetweenNodes(t *testing.T) {
	url := os.Getenv("SPATIAL_TEST_NATS_URL")
	if url == "" {
		t.Skip("SPATIAL_TEST_NATS_URL не задан")
	}

	cfg := InvalidatorConfig{NATSURL: url, Subject: "spatial.test." + time.Now().Format("150405.000000")}
	a, err := NewNATSInvalidator(cfg, "node-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNATSInvalidator(cfg, "node-b")
	require.NoError(t, err)
	defer b.Close()

	received := make(chan string, 4)
	require.NoError(t, b.SubscribeInvalidations(context.Background(), func(key string) error {
		received <- key
		return nil
	}))
	require.NoError(t, a.conn.Flush())
	require.NoError(t, b.conn.Flush())

	require.NoError(t, a.PublishInvalidation(context.Background(), ChunkKey(1, 2)))

	select {
	case key := <-received:
		assert.Equal(t, "chunk:1:2", key)
	case <-time.After(2 * time.Second):
		t.Fatal("инвалидация не доставлена")
	}
}

func TestNATSInvalidatorSharedAcrossMaps(t *testing.T) {
	url := os.Getenv("SPATIAL_TEST_NATS_URL")
	if url == "" {
		t.Skip("SPATIAL_TEST_NATS_URL не задан")
	}

	cfg := InvalidatorConfig{NATSURL: url, Subject: "spatial.test.shared." + time.Now().Format("150405.000000")}
	local, err := NewNATSInvalidator(cfg, "local")
	require.NoError(t, err)
	defer local.Close()
	remote, err := NewNATSInvalidator(cfg, "remote")
	require.NoError(t, err)
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var caches []*ChunkCache
	for _, mapID := range []uint64{1, 2} {
		c, err := NewChunkCache(ChunkCacheConfig{MapID: mapID, Invalidator: local})
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.Subscribe(ctx))
		c.Set(world.NewLeaf(9, 1, 1, vec.Vec3{}, vec.Vec3{X: 2, Y: 2, Z: 2}).Header())
		caches = append(caches, c)
	}
	assert.Equal(t, 2, local.Stats().Handlers)
	require.NoError(t, local.conn.Flush())

	require.NoError(t, remote.PublishInvalidation(context.Background(), ChunkKey(2, 9)))
	require.Eventually(t, func() bool {
		_, ok := caches[1].Get(9)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := caches[0].Get(9)
	assert.True(t, ok)

	cancel()
	require.Eventually(t, func() bool { return local.Stats().Handlers == 0 }, time.Second, 10*time.Millisecond)
}

func TestNATSInvalidatorDedupe(t *testing.T) {
	n := &NATSInvalidator{config: InvalidatorConfig{DedupeWindow: time.Hour}, recent: make(map[string]time.Time)}
	assert.True(t, n.markRecent("chunk:1:1"))
	assert.False(t, n.markRecent("chunk:1:1"))
	assert.True(t, n.markRecent("chunk:1:2"))
}
