package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID       uint64   `json:"id" bson:"id"`
	Ref      string   `json:"ref" bson:"ref"`
	Position vec.Vec3 `json:"position" bson:"position"`
	Tags     []string `json:"tags" bson:"tags"`
}

func objectStores(t *testing.T) map[string]ObjectStore {
	stores := map[string]ObjectStore{
		"memory": NewMemoryObjectStore(),
	}

	sqlite, err := NewSQLiteObjectStore(filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)
	stores["sqlite"] = sqlite

	if addr := os.Getenv("SPATIAL_TEST_REDIS_ADDR"); addr != "" {
		s, err := NewRedisObjectStore(&RedisConfig{Addr: addr, KeyPrefix: "spatial-test:" + t.Name() + ":"})
		require.NoError(t, err)
		stores["redis"] = s
	}
	if uri := os.Getenv("SPATIAL_TEST_MONGO_URI"); uri != "" {
		s, err := NewMongoObjectStore(MongoConfig{URI: uri, Database: "spatial_test", Collection: "objects"})
		require.NoError(t, err)
		stores["mongo"] = s
	}
	if dsn := os.Getenv("SPATIAL_TEST_MYSQL_DSN"); dsn != "" {
		s, err := NewMySQLObjectStore(dsn)
		require.NoError(t, err)
		stores["mysql"] = s
	}
	return stores
}

func TestObjectStores(t *testing.T) {
	for name, store := range objectStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			// Внешние бэкенды могут хранить данные прошлых прогонов
			for _, id := range []string{"1", "2", "3"} {
				require.NoError(t, store.Remove(ctx, KindObject, id))
			}
			require.NoError(t, store.Remove(ctx, KindMapObject, "1"))

			doc := testDoc{ID: 1, Ref: "deer", Position: vec.Vec3{X: 2, Y: 2, Z: 5}, Tags: []string{"a"}}
			require.NoError(t, store.Set(ctx, KindObject, "1", doc))

			var got testDoc
			require.NoError(t, store.Get(ctx, KindObject, "1", &got))
			assert.Equal(t, doc, got)

			// Виды документов не пересекаются
			err := store.Get(ctx, KindMapObject, "1", &got)
			assert.True(t, apperr.Is(err, apperr.NotFound))

			// Upsert
			doc.Ref = "wolf"
			require.NoError(t, store.Set(ctx, KindObject, "1", doc))
			require.NoError(t, store.Get(ctx, KindObject, "1", &got))
			assert.Equal(t, "wolf", got.Ref)

			require.NoError(t, store.Set(ctx, KindObject, "2", testDoc{ID: 2, Ref: "grass"}))
			require.NoError(t, store.Set(ctx, KindObject, "3", testDoc{ID: 3, Ref: "wall"}))

			var refs []string
			require.NoError(t, store.Scan(ctx, KindObject, func(id string, decode Decoder) error {
				var d testDoc
				if err := decode(&d); err != nil {
					return err
				}
				refs = append(refs, id+"="+d.Ref)
				return nil
			}))
			assert.Equal(t, []string{"1=wolf", "2=grass", "3=wall"}, refs)

			require.NoError(t, store.Remove(ctx, KindObject, "2"))
			err = store.Get(ctx, KindObject, "2", &got)
			assert.True(t, apperr.Is(err, apperr.NotFound))

			// Повторное удаление не ошибка
			assert.NoError(t, store.Remove(ctx, KindObject, "2"))
		})
	}
}

func TestMemoryObjectStoreRespectsContext(t *testing.T) {
	store := NewMemoryObjectStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.Set(ctx, KindObject, "1", testDoc{}))
	assert.Equal(t, 0, store.Len(KindObject))
}

func TestSQLiteObjectStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.db")
	ctx := context.Background()

	store, err := NewSQLiteObjectStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KindMapObject, "1:2:2:5", testDoc{ID: 7}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteObjectStore(path)
	require.NoError(t, err)
	defer store.Close()

	var got testDoc
	require.NoError(t, store.Get(ctx, KindMapObject, "1:2:2:5", &got))
	assert.Equal(t, uint64(7), got.ID)
}
