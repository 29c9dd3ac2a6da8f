// Package presence хранит, какие объекты занимают какие блоки карты,
// и разреженное множество занятых позиций.
//
// Отдельные операции потокобезопасны, но последовательность операций не
// атомарна: согласованность с долговременным хранилищем обеспечивает
// координатор, удерживающий блокировку позиции.
package presence

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/vec"
)

// Occupant — объект в позиции
type Occupant struct {
	ID   uint64             `json:"id" bson:"id"`
	Type knowledge.Category `json:"type" bson:"type"`
}

// MapObject — запись присутствия: все объекты в одной позиции карты
// в порядке вставки. Запись без объектов не существует.
type MapObject struct {
	MapID     uint64     `json:"map_id" bson:"map_id"`
	Position  vec.Vec3   `json:"position" bson:"position"`
	ChunkID   uint64     `json:"chunk_id" bson:"chunk_id"`
	Occupants []Occupant `json:"occupants" bson:"occupants"`
}

// Key возвращает ключ записи в хранилище: "map:x:y:z"
func (m MapObject) Key() string {
	return Key(m.MapID, m.Position)
}

// Key строит ключ записи присутствия
func Key(mapID uint64, pos vec.Vec3) string {
	return strconv.FormatUint(mapID, 10) + ":" + pos.Key()
}

// ParseKey разбирает ключ, построенный Key
func ParseKey(key string) (uint64, vec.Vec3, error) {
	head, rest, ok := strings.Cut(key, ":")
	if !ok {
		return 0, vec.Vec3{}, fmt.Errorf("некорректный ключ присутствия %q", key)
	}
	mapID, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, vec.Vec3{}, fmt.Errorf("некорректный ключ присутствия %q: %w", key, err)
	}
	pos, err := vec.ParseKey(rest)
	if err != nil {
		return 0, vec.Vec3{}, err
	}
	return mapID, pos, nil
}

// Clone возвращает копию с независимым списком объектов
func (m MapObject) Clone() MapObject {
	m.Occupants = append([]Occupant(nil), m.Occupants...)
	return m
}

// IndexOf возвращает позицию объекта в списке или -1
func (m MapObject) IndexOf(id uint64) int {
	for i, o := range m.Occupants {
		if o.ID == id {
			return i
		}
	}
	return -1
}

// With возвращает копию записи с добавленным объектом
func (m MapObject) With(o Occupant) MapObject {
	cp := m.Clone()
	cp.Occupants = append(cp.Occupants, o)
	return cp
}

// Without возвращает копию записи без объекта id
func (m MapObject) Without(id uint64) MapObject {
	cp := MapObject{MapID: m.MapID, Position: m.Position, ChunkID: m.ChunkID}
	for _, o := range m.Occupants {
		if o.ID != id {
			cp.Occupants = append(cp.Occupants, o)
		}
	}
	return cp
}

// Index — индекс присутствия одной карты
type Index struct {
	mapID  uint64
	mu     sync.RWMutex
	byPos  map[vec.Vec3]*MapObject
	filled *FilledSet
}

// NewIndex создаёт пустой индекс
func NewIndex(mapID uint64) *Index {
	return &Index{
		mapID:  mapID,
		byPos:  make(map[vec.Vec3]*MapObject),
		filled: newFilledSet(),
	}
}

// MapID возвращает идентификатор карты
func (ix *Index) MapID() uint64 { return ix.mapID }

// AddObject добавляет объект в позицию. Возвращает true, если это первый
// объект в позиции: тогда позиция попадает в множество занятых.
func (ix *Index) AddObject(pos vec.Vec3, chunkID uint64, o Occupant) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.byPos[pos]
	if !ok {
		rec = &MapObject{MapID: ix.mapID, Position: pos, ChunkID: chunkID}
		ix.byPos[pos] = rec
		ix.filled.add(pos, chunkID)
	}
	rec.Occupants = append(rec.Occupants, o)
	return !ok
}

// RemoveObject удаляет объект из позиции. last — позиция опустела и
// удалена из множества занятых; found — объект был в позиции.
func (ix *Index) RemoveObject(pos vec.Vec3, id uint64) (last, found bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rec, ok := ix.byPos[pos]
	if !ok {
		return false, false
	}
	i := rec.IndexOf(id)
	if i < 0 {
		return false, false
	}
	rec.Occupants = append(rec.Occupants[:i], rec.Occupants[i+1:]...)
	if len(rec.Occupants) > 0 {
		return false, true
	}
	delete(ix.byPos, pos)
	ix.filled.remove(pos, rec.ChunkID)
	return true, true
}

// ObjectsAt возвращает копию списка объектов в позиции (пустой, если их нет)
func (ix *Index) ObjectsAt(pos vec.Vec3) []Occupant {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rec, ok := ix.byPos[pos]
	if !ok {
		return []Occupant{}
	}
	return append([]Occupant(nil), rec.Occupants...)
}

// Get возвращает копию записи присутствия
func (ix *Index) Get(pos vec.Vec3) (MapObject, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rec, ok := ix.byPos[pos]
	if !ok {
		return MapObject{}, false
	}
	return rec.Clone(), true
}

// Apply устанавливает подготовленную запись целиком. Запись без объектов
// равносильна Drop.
func (ix *Index) Apply(m MapObject) {
	if len(m.Occupants) == 0 {
		ix.Drop(m.Position)
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prev, ok := ix.byPos[m.Position]; ok && prev.ChunkID != m.ChunkID {
		ix.filled.remove(m.Position, prev.ChunkID)
	}
	cp := m.Clone()
	cp.MapID = ix.mapID
	ix.byPos[m.Position] = &cp
	ix.filled.add(m.Position, m.ChunkID)
}

// Drop удаляет запись позиции
func (ix *Index) Drop(pos vec.Vec3) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if rec, ok := ix.byPos[pos]; ok {
		delete(ix.byPos, pos)
		ix.filled.remove(pos, rec.ChunkID)
	}
}

// Load заменяет содержимое индекса набором записей
func (ix *Index) Load(records []MapObject) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.byPos = make(map[vec.Vec3]*MapObject, len(records))
	ix.filled.reset()
	for _, m := range records {
		if len(m.Occupants) == 0 {
			continue
		}
		cp := m.Clone()
		cp.MapID = ix.mapID
		ix.byPos[m.Position] = &cp
		ix.filled.add(m.Position, m.ChunkID)
	}
}

// Len возвращает количество занятых позиций
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byPos)
}

// ObjectCount возвращает общее количество объектов
func (ix *Index) ObjectCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, rec := range ix.byPos {
		n += len(rec.Occupants)
	}
	return n
}

// Filled возвращает множество занятых позиций
func (ix *Index) Filled() *FilledSet {
	return ix.filled
}
