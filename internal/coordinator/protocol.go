package coordinator

import (
	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/vec"
)

// Request — запрос к координатору карты
type Request interface {
	// Map возвращает идентификатор карты-адресата
	Map() uint64
	op() string
}

// Response — успешный ответ координатора
type Response interface {
	isResponse()
}

// InsertObject — разместить объект knowledgeRef в позиции
type InsertObject struct {
	MapID        uint64   `json:"map_id"`
	Position     vec.Vec3 `json:"position"`
	KnowledgeRef string   `json:"knowledge_ref"`
}

// DeleteObject — удалить объект
type DeleteObject struct {
	MapID    uint64 `json:"map_id"`
	ObjectID uint64 `json:"object_id"`
}

// DeleteBulkObjects — атомарно удалить набор объектов категории Category
// (CategoryAny — без проверки категории)
type DeleteBulkObjects struct {
	MapID     uint64             `json:"map_id"`
	Category  knowledge.Category `json:"category"`
	ObjectIDs []uint64           `json:"object_ids"`
}

// RetrieveObjects — получить объекты в позиции
type RetrieveObjects struct {
	MapID    uint64   `json:"map_id"`
	Position vec.Vec3 `json:"position"`
}

func (r InsertObject) Map() uint64      { return r.MapID }
func (r DeleteObject) Map() uint64      { return r.MapID }
func (r DeleteBulkObjects) Map() uint64 { return r.MapID }
func (r RetrieveObjects) Map() uint64   { return r.MapID }

func (InsertObject) op() string      { return "insert" }
func (DeleteObject) op() string      { return "delete" }
func (DeleteBulkObjects) op() string { return "delete_bulk" }
func (RetrieveObjects) op() string   { return "retrieve" }

// InsertObjectSuccess — объект размещён
type InsertObjectSuccess struct {
	Object ObjectRecord `json:"object"`
}

// DeleteObjectSuccess — объект удалён
type DeleteObjectSuccess struct {
	Object ObjectRecord `json:"object"`
}

// DeleteBulkObjectsSuccess — все объекты удалены
type DeleteBulkObjectsSuccess struct {
	Objects []ObjectRecord `json:"objects"`
}

// RetrieveObjectsSuccess — объекты позиции в порядке вставки
type RetrieveObjectsSuccess struct {
	Position vec.Vec3       `json:"position"`
	Objects  []ObjectRecord `json:"objects"`
}

func (InsertObjectSuccess) isResponse()      {}
func (DeleteObjectSuccess) isResponse()      {}
func (DeleteBulkObjectsSuccess) isResponse() {}
func (RetrieveObjectsSuccess) isResponse()   {}
