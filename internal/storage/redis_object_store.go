package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/go-redis/redis/v8"
)

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr      string // Адрес Redis сервера
	Password  string // Пароль (пустой если не требуется)
	DB        int    // Номер базы данных
	KeyPrefix string // Префикс для ключей
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "spatial:",
	}
}

// RedisObjectStore хранит JSON-документы под ключами "<prefix><kind>:<id>"
type RedisObjectStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisObjectStore создаёт клиент и проверяет подключение
func NewRedisObjectStore(config *RedisConfig) (*RedisObjectStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Wrap(apperr.StorageFailure, "redis.Ping",
			fmt.Errorf("failed to connect to Redis: %w", err))
	}

	return &RedisObjectStore{client: client, keyPrefix: config.KeyPrefix}, nil
}

func (s *RedisObjectStore) key(kind Kind, id string) string {
	return s.keyPrefix + string(kind) + ":" + id
}

func (s *RedisObjectStore) Get(ctx context.Context, kind Kind, id string, out interface{}) error {
	data, err := s.client.Get(ctx, s.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return docNotFound("redis.Get", kind, id)
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "redis.Get", err)
	}
	return jsonDecoder(data)(out)
}

func (s *RedisObjectStore) Set(ctx context.Context, kind Kind, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ошибка сериализации документа: %w", err)
	}
	if err := s.client.Set(ctx, s.key(kind, id), data, 0).Err(); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "redis.Set", err)
	}
	return nil
}

func (s *RedisObjectStore) Remove(ctx context.Context, kind Kind, id string) error {
	if err := s.client.Del(ctx, s.key(kind, id)).Err(); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "redis.Remove", err)
	}
	return nil
}

func (s *RedisObjectStore) Scan(ctx context.Context, kind Kind, fn func(id string, decode Decoder) error) error {
	prefix := s.key(kind, "")

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "redis.Scan", err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // удалён между SCAN и GET
		}
		if err != nil {
			return apperr.Wrap(apperr.StorageFailure, "redis.Scan", err)
		}
		if err := fn(strings.TrimPrefix(key, prefix), jsonDecoder(data)); err != nil {
			return err
		}
	}
	return nil
}

// Close закрывает соединение
func (s *RedisObjectStore) Close() error {
	return s.client.Close()
}
