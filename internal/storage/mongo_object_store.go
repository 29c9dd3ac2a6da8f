package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig содержит настройки подключения к MongoDB
type MongoConfig struct {
	URI        string // например mongodb://localhost:27017
	Database   string // например spatial
	Collection string // например objects
}

// MongoObjectStore хранит документы в одной коллекции с составным ключом {kind, id}
type MongoObjectStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

type mongoDoc struct {
	Key  string   `bson:"_id"`
	Kind string   `bson:"kind"`
	ID   string   `bson:"id"`
	Doc  bson.Raw `bson:"doc"`
}

// NewMongoObjectStore подключается к MongoDB и создаёт индекс по kind
func NewMongoObjectStore(cfg MongoConfig) (*MongoObjectStore, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "spatial"
	}
	if cfg.Collection == "" {
		cfg.Collection = "objects"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "mongo.Connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperr.Wrap(apperr.StorageFailure, "mongo.Ping", err)
	}

	s := &MongoObjectStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := s.ensureIndexes(); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperr.Wrap(apperr.StorageFailure, "mongo.ensureIndexes", err)
	}
	return s, nil
}

func (s *MongoObjectStore) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ctxTimeout)
	defer cancel()
	kindIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "id", Value: 1}},
		Options: options.Index().SetName("kind_id"),
	}
	_, err := s.collection.Indexes().CreateOne(ctx, kindIdx)
	return err
}

func mongoKey(kind Kind, id string) string {
	return string(kind) + "/" + id
}

func (s *MongoObjectStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.ctxTimeout)
}

func (s *MongoObjectStore) Get(ctx context.Context, kind Kind, id string, out interface{}) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": mongoKey(kind, id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docNotFound("mongo.Get", kind, id)
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "mongo.Get", err)
	}
	return bsonDecoder(doc.Doc)(out)
}

func (s *MongoObjectStore) Set(ctx context.Context, kind Kind, id string, doc interface{}) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ошибка сериализации документа: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := mongoKey(kind, id)
	_, err = s.collection.ReplaceOne(ctx,
		bson.M{"_id": key},
		mongoDoc{Key: key, Kind: string(kind), ID: id, Doc: raw},
		options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "mongo.Set", err)
	}
	return nil
}

func (s *MongoObjectStore) Remove(ctx context.Context, kind Kind, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": mongoKey(kind, id)}); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "mongo.Remove", err)
	}
	return nil
}

func (s *MongoObjectStore) Scan(ctx context.Context, kind Kind, fn func(id string, decode Decoder) error) error {
	cur, err := s.collection.Find(ctx, bson.M{"kind": string(kind)}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "mongo.Scan", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return apperr.Wrap(apperr.StorageFailure, "mongo.Scan", err)
		}
		if err := fn(doc.ID, bsonDecoder(doc.Doc)); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "mongo.Scan", err)
	}
	return nil
}

func bsonDecoder(raw bson.Raw) Decoder {
	return func(out interface{}) error {
		if err := bson.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("ошибка десериализации документа: %w", err)
		}
		return nil
	}
}

// Close отключается от MongoDB
func (s *MongoObjectStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ctxTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
