package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/google/uuid"
)

// Типы событий присутствия
const (
	TypeObjectInserted = "ObjectInserted"
	TypeObjectDeleted  = "ObjectDeleted"
)

// ObjectEvent — полезная нагрузка событий вставки и удаления объекта.
// Changed — позиция стала занятой (вставка) или освободилась (удаление).
type ObjectEvent struct {
	ObjectID     uint64             `json:"object_id"`
	MapID        uint64             `json:"map_id"`
	Position     vec.Vec3           `json:"position"`
	ChunkID      uint64             `json:"chunk_id"`
	Category     knowledge.Category `json:"category"`
	KnowledgeRef string             `json:"knowledge_ref"`
	Changed      bool               `json:"filled_changed"`
}

// NewObjectEnvelope упаковывает событие присутствия в конверт
func NewObjectEnvelope(eventType, source string, ev ObjectEvent) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: eventType,
		Version:   1,
		MapID:     ev.MapID,
		Priority:  5,
		Payload:   payload,
	}, nil
}

// DecodeObjectEvent извлекает ObjectEvent из конверта
func DecodeObjectEvent(env *Envelope) (ObjectEvent, error) {
	var ev ObjectEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return ObjectEvent{}, fmt.Errorf("unmarshal %s: %w", env.EventType, err)
	}
	return ev, nil
}
