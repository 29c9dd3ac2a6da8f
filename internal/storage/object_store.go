package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/spatial-core/internal/apperr"
)

// Kind — тип документа в хранилище объектов
type Kind string

const (
	// KindObject — запись объекта (ключ — id объекта)
	KindObject Kind = "object"
	// KindMapObject — запись присутствия в позиции (ключ — "map:x:y:z")
	KindMapObject Kind = "map_object"
)

// Decoder декодирует найденный документ в out
type Decoder func(out interface{}) error

// ObjectStore — долговременное хранилище документов по (kind, id).
// Get отсутствующего ключа возвращает apperr.NotFound; Remove отсутствующего
// ключа — не ошибка. Ошибки бэкенда — apperr.StorageFailure.
type ObjectStore interface {
	Get(ctx context.Context, kind Kind, id string, out interface{}) error
	Set(ctx context.Context, kind Kind, id string, doc interface{}) error
	Remove(ctx context.Context, kind Kind, id string) error
	Scan(ctx context.Context, kind Kind, fn func(id string, decode Decoder) error) error
	Close() error
}

func docNotFound(op string, kind Kind, id string) error {
	return apperr.New(apperr.NotFound, op, "%s %q не найден", kind, id)
}

func jsonDecoder(data []byte) Decoder {
	return func(out interface{}) error {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("ошибка десериализации документа: %w", err)
		}
		return nil
	}
}

// MemoryObjectStore хранит JSON-документы в памяти процесса
type MemoryObjectStore struct {
	mu   sync.RWMutex
	docs map[Kind]map[string][]byte
}

// NewMemoryObjectStore создаёт пустое хранилище
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{docs: make(map[Kind]map[string][]byte)}
}

func (s *MemoryObjectStore) Get(ctx context.Context, kind Kind, id string, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	data, ok := s.docs[kind][id]
	s.mu.RUnlock()
	if !ok {
		return docNotFound("memory.Get", kind, id)
	}
	return jsonDecoder(data)(out)
}

func (s *MemoryObjectStore) Set(ctx context.Context, kind Kind, id string, doc interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ошибка сериализации документа: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.docs[kind]
	if !ok {
		bucket = make(map[string][]byte)
		s.docs[kind] = bucket
	}
	bucket[id] = data
	return nil
}

func (s *MemoryObjectStore) Remove(ctx context.Context, kind Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs[kind], id)
	return nil
}

func (s *MemoryObjectStore) Scan(ctx context.Context, kind Kind, fn func(id string, decode Decoder) error) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs[kind]))
	snapshot := make(map[string][]byte, len(s.docs[kind]))
	for id, data := range s.docs[kind] {
		ids = append(ids, id)
		snapshot[id] = data
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id, jsonDecoder(snapshot[id])); err != nil {
			return err
		}
	}
	return nil
}

// Len возвращает количество документов вида kind
func (s *MemoryObjectStore) Len(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[kind])
}

func (s *MemoryObjectStore) Close() error { return nil }
