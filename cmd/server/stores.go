package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/config"
	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/storage"
	"github.com/annel0/spatial-core/internal/world"
)

type chunkStore interface {
	world.ChunkStore
	Close() error
}

func openChunkStore(cfg config.StorageConfig, cd *codec.Codec) (chunkStore, error) {
	switch cfg.ChunkBackend {
	case "memory":
		logging.Info("Chunk store: memory")
		return storage.NewMemoryChunkStore(cd), nil
	case "badger":
		logging.Info("Chunk store: badger at %s", filepath.Join(cfg.DataPath, "chunks"))
		return storage.NewBadgerChunkStore(cfg.DataPath, cd)
	default:
		return nil, fmt.Errorf("неизвестный chunk_backend %q", cfg.ChunkBackend)
	}
}

func openObjectStore(cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.ObjectBackend {
	case "memory":
		logging.Info("Object store: memory")
		return storage.NewMemoryObjectStore(), nil
	case "mongo":
		logging.Info("Object store: MongoDB %s", cfg.Mongo.URI)
		return storage.NewMongoObjectStore(storage.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
	case "redis":
		logging.Info("Object store: Redis %s", cfg.Redis.Addr)
		return storage.NewRedisObjectStore(&storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case "mysql":
		if cfg.SQL.DSN == "" {
			return nil, fmt.Errorf("object_backend mysql требует storage.sql.dsn")
		}
		logging.Info("Object store: MariaDB/MySQL")
		return storage.NewMySQLObjectStore(cfg.SQL.DSN)
	case "sqlite":
		path := cfg.SQL.DSN
		if path == "" {
			path = filepath.Join(cfg.DataPath, "objects.db")
		}
		logging.Info("Object store: SQLite %s", path)
		return storage.NewSQLiteObjectStore(path)
	default:
		return nil, fmt.Errorf("неизвестный object_backend %q", cfg.ObjectBackend)
	}
}

func openEventBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.URL == "" {
		logging.Info("Event bus: in-memory (buffer %d)", cfg.Buffer)
		return eventbus.NewMemoryBus(cfg.Buffer), nil
	}
	logging.Info("Event bus: NATS JetStream %s", cfg.URL)
	return eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, time.Duration(cfg.Retention)*time.Hour)
}
