package coordinator

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/vec"
)

// ObjectRecord — долговременная запись объекта мира
type ObjectRecord struct {
	ID           uint64             `json:"id" bson:"id"`
	MapID        uint64             `json:"map_id" bson:"map_id"`
	Position     vec.Vec3           `json:"position" bson:"position"`
	ChunkID      uint64             `json:"chunk_id" bson:"chunk_id"`
	Category     knowledge.Category `json:"category" bson:"category"`
	KnowledgeRef string             `json:"knowledge_ref" bson:"knowledge_ref"`
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
}

func objectKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// IDAllocator выдаёт идентификаторы объектов, общие для всех карт процесса
type IDAllocator struct {
	last atomic.Uint64
}

// Next возвращает следующий свободный идентификатор (начиная с 1)
func (a *IDAllocator) Next() uint64 {
	return a.last.Add(1)
}

// Observe сдвигает счётчик так, чтобы id больше не выдавался
func (a *IDAllocator) Observe(id uint64) {
	for {
		cur := a.last.Load()
		if id <= cur || a.last.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Last возвращает последний выданный или замеченный идентификатор
func (a *IDAllocator) Last() uint64 {
	return a.last.Load()
}

// rollbackTimeout ограничивает откат, выполняемый вне контекста запроса
const rollbackTimeout = 5 * time.Second

// undoLog накапливает компенсирующие действия для уже выполненных
// долговременных записей и выполняет их в обратном порядке.
type undoLog struct {
	op    string
	steps []func(ctx context.Context) error
	log   *logging.Logger
}

func (u *undoLog) push(step func(ctx context.Context) error) {
	u.steps = append(u.steps, step)
}

// rollback выполняется с отдельным контекстом: запрос мог быть отменён
func (u *undoLog) rollback() {
	if len(u.steps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](ctx); err != nil {
			u.log.Error("%s: откат шага %d не удался: %v", u.op, i, err)
		}
	}
	u.steps = nil
}
