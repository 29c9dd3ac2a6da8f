package presence

import (
	"sort"
	"sync"

	"github.com/annel0/spatial-core/internal/vec"
)

// FilledSet — разреженное множество позиций, в которых есть хотя бы один
// объект, сгруппированное по чанкам.
type FilledSet struct {
	mu      sync.RWMutex
	all     map[vec.Vec3]uint64
	byChunk map[uint64]map[vec.Vec3]struct{}
}

func newFilledSet() *FilledSet {
	s := &FilledSet{}
	s.reset()
	return s
}

func (s *FilledSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = make(map[vec.Vec3]uint64)
	s.byChunk = make(map[uint64]map[vec.Vec3]struct{})
}

func (s *FilledSet) add(pos vec.Vec3, chunkID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.all[pos] = chunkID
	set, ok := s.byChunk[chunkID]
	if !ok {
		set = make(map[vec.Vec3]struct{})
		s.byChunk[chunkID] = set
	}
	set[pos] = struct{}{}
}

func (s *FilledSet) remove(pos vec.Vec3, chunkID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.all, pos)
	if set, ok := s.byChunk[chunkID]; ok {
		delete(set, pos)
		if len(set) == 0 {
			delete(s.byChunk, chunkID)
		}
	}
}

// Contains проверяет, занята ли позиция
func (s *FilledSet) Contains(pos vec.Vec3) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.all[pos]
	return ok
}

// Chunk возвращает занятые позиции чанка в лексикографическом порядке
func (s *FilledSet) Chunk(chunkID uint64) []vec.Vec3 {
	s.mu.RLock()
	out := make([]vec.Vec3, 0, len(s.byChunk[chunkID]))
	for pos := range s.byChunk[chunkID] {
		out = append(out, pos)
	}
	s.mu.RUnlock()

	sortPositions(out)
	return out
}

// All возвращает все занятые позиции в лексикографическом порядке
func (s *FilledSet) All() []vec.Vec3 {
	s.mu.RLock()
	out := make([]vec.Vec3, 0, len(s.all))
	for pos := range s.all {
		out = append(out, pos)
	}
	s.mu.RUnlock()

	sortPositions(out)
	return out
}

// Chunks возвращает идентификаторы чанков, в которых есть занятые позиции
func (s *FilledSet) Chunks() []uint64 {
	s.mu.RLock()
	out := make([]uint64, 0, len(s.byChunk))
	for id := range s.byChunk {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len возвращает количество занятых позиций
func (s *FilledSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all)
}

func sortPositions(ps []vec.Vec3) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}
