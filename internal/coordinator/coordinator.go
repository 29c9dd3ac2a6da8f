// Package coordinator сериализует конкурентные изменения индекса
// присутствия и долговременного хранилища одной карты.
//
// Порядок каждой мутации: блокировка позиций, долговременные записи
// (с откатом в обратном порядке при ошибке), обновление индекса в памяти,
// освобождение блокировки и только затем публикация события.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/presence"
	"github.com/annel0/spatial-core/internal/storage"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/annel0/spatial-core/internal/coordinator"

// EventSource — значение Envelope.Source для событий координатора
const EventSource = "spatial-core"

// Options — зависимости координатора карты
type Options struct {
	Index     *world.Index
	Objects   storage.ObjectStore
	Knowledge *knowledge.Context

	// Необязательные
	Presence *presence.Index
	Locks    *LockTable
	IDs      *IDAllocator
	Bus      eventbus.EventBus
	Metrics  *Metrics
}

// Coordinator — единственная точка изменения присутствия объектов на карте
type Coordinator struct {
	mapID    uint64
	index    *world.Index
	objects  storage.ObjectStore
	kb       *knowledge.Context
	presence *presence.Index
	locks    *LockTable
	ids      *IDAllocator
	bus      eventbus.EventBus
	metrics  *Metrics
	tracer   trace.Tracer
	log      *logging.Logger
}

// Stats — сводка состояния координатора
type Stats struct {
	MapID       uint64   `json:"map_id"`
	Positions   int      `json:"positions"`
	Objects     int      `json:"objects"`
	Filled      int      `json:"filled"`
	LockMode    LockMode `json:"lock_mode"`
	LockStripes int      `json:"lock_stripes"`
	LastID      uint64   `json:"last_id"`
}

// New создаёт координатор карты opts.Index
func New(opts Options) (*Coordinator, error) {
	if opts.Index == nil || opts.Objects == nil || opts.Knowledge == nil {
		return nil, fmt.Errorf("coordinator: index, objects и knowledge обязательны")
	}

	mapID := opts.Index.MapID()
	c := &Coordinator{
		mapID:    mapID,
		index:    opts.Index,
		objects:  opts.Objects,
		kb:       opts.Knowledge,
		presence: opts.Presence,
		locks:    opts.Locks,
		ids:      opts.IDs,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(tracerName),
		log:      logging.GetCoordinatorLogger(),
	}
	if c.presence == nil {
		c.presence = presence.NewIndex(mapID)
	} else if c.presence.MapID() != mapID {
		return nil, fmt.Errorf("coordinator: индекс присутствия карты %d, ожидалась %d", c.presence.MapID(), mapID)
	}
	if c.locks == nil {
		c.locks = NewLockTable(LockModePosition, DefaultLockStripes)
	}
	if c.ids == nil {
		c.ids = &IDAllocator{}
	}
	return c, nil
}

// MapID возвращает идентификатор карты
func (c *Coordinator) MapID() uint64 { return c.mapID }

// Presence возвращает индекс присутствия (только для чтения)
func (c *Coordinator) Presence() *presence.Index { return c.presence }

// Filled возвращает множество занятых позиций
func (c *Coordinator) Filled() *presence.FilledSet { return c.presence.Filled() }

// Stats возвращает текущую сводку
func (c *Coordinator) Stats() Stats {
	return Stats{
		MapID:       c.mapID,
		Positions:   c.presence.Len(),
		Objects:     c.presence.ObjectCount(),
		Filled:      c.presence.Filled().Len(),
		LockMode:    c.locks.Mode(),
		LockStripes: c.locks.Stripes(),
		LastID:      c.ids.Last(),
	}
}

// Warm восстанавливает индекс присутствия из долговременных записей карты
// и сдвигает счётчик идентификаторов за максимальный сохранённый.
func (c *Coordinator) Warm(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "coordinator.Warm")

	var records []presence.MapObject
	err := c.objects.Scan(ctx, storage.KindMapObject, func(key string, decode storage.Decoder) error {
		mapID, _, err := presence.ParseKey(key)
		if err != nil {
			c.log.Warn("пропуск записи присутствия %q: %v", key, err)
			return nil
		}
		if mapID != c.mapID {
			return nil
		}
		var m presence.MapObject
		if err := decode(&m); err != nil {
			return apperr.Wrap(apperr.StorageFailure, "coordinator.Warm", err)
		}
		records = append(records, m)
		return nil
	})
	if err != nil {
		return endSpan(span, err)
	}

	err = c.objects.Scan(ctx, storage.KindObject, func(_ string, decode storage.Decoder) error {
		var rec ObjectRecord
		if err := decode(&rec); err != nil {
			return apperr.Wrap(apperr.StorageFailure, "coordinator.Warm", err)
		}
		c.ids.Observe(rec.ID)
		return nil
	})
	if err != nil {
		return endSpan(span, err)
	}

	c.presence.Load(records)
	c.metrics.setFilled(c.mapID, c.presence.Filled().Len())
	c.log.Info("Карта %d: загружено %d занятых позиций (%d объектов), последний id %d",
		c.mapID, c.presence.Len(), c.presence.ObjectCount(), c.ids.Last())
	return endSpan(span, nil)
}

// Insert размещает объект из базы знаний в позиции pos
func (c *Coordinator) Insert(ctx context.Context, pos vec.Vec3, knowledgeRef string) (rec ObjectRecord, err error) {
	started := time.Now()
	ctx, span := c.startSpan(ctx, "coordinator.Insert",
		attribute.String("position", pos.Key()), attribute.String("knowledge.ref", knowledgeRef))
	defer func() {
		c.metrics.observe("insert", started, err)
		endSpan(span, err)
	}()

	entry, ok := c.kb.Lookup(knowledgeRef)
	if !ok {
		return ObjectRecord{}, apperr.New(apperr.NotFound, "coordinator.Insert",
			"неизвестная ссылка базы знаний %q", knowledgeRef)
	}
	leafID, off, err := c.index.BlockOffset(ctx, pos)
	if err != nil {
		return ObjectRecord{}, err
	}

	var ev eventbus.ObjectEvent
	err = c.withLock(ctx, []vec.Vec3{pos}, func() error {
		cur, exists := c.presence.Get(pos)
		if !exists {
			cur = presence.MapObject{MapID: c.mapID, Position: pos, ChunkID: leafID}
		}

		rec = ObjectRecord{
			ID:           c.ids.Next(),
			MapID:        c.mapID,
			Position:     pos,
			ChunkID:      leafID,
			Category:     entry.Category,
			KnowledgeRef: entry.Ref,
			CreatedAt:    time.Now().UTC(),
		}
		next := cur.With(presence.Occupant{ID: rec.ID, Type: rec.Category})

		undo := &undoLog{op: "coordinator.Insert", log: c.log}
		if err := c.putObject(ctx, rec, undo); err != nil {
			undo.rollback()
			return err
		}
		if err := c.putMapObject(ctx, cur, exists, next, undo); err != nil {
			undo.rollback()
			return err
		}
		if err := c.markBlock(ctx, leafID, off, cur, next, undo); err != nil {
			undo.rollback()
			return err
		}

		c.presence.Apply(next)
		ev = objectEvent(rec, !exists)
		return nil
	})
	if err != nil {
		return ObjectRecord{}, err
	}

	c.metrics.setFilled(c.mapID, c.presence.Filled().Len())
	c.publish(ctx, eventbus.TypeObjectInserted, ev)
	c.log.Debug("Карта %d: объект %d (%s) вставлен в %s", c.mapID, rec.ID, rec.KnowledgeRef, pos)
	return rec, nil
}

// Delete удаляет объект id
func (c *Coordinator) Delete(ctx context.Context, id uint64) (rec ObjectRecord, err error) {
	started := time.Now()
	ctx, span := c.startSpan(ctx, "coordinator.Delete", attribute.Int64("object.id", int64(id)))
	defer func() {
		c.metrics.observe("delete", started, err)
		endSpan(span, err)
	}()

	probe, err := c.getObject(ctx, id)
	if err != nil {
		return ObjectRecord{}, err
	}

	var ev eventbus.ObjectEvent
	err = c.withLock(ctx, []vec.Vec3{probe.Position}, func() error {
		// Объект мог быть удалён, пока мы ждали блокировку
		rec, err = c.getObject(ctx, id)
		if err != nil {
			return err
		}
		_, off, err := c.index.BlockOffset(ctx, rec.Position)
		if err != nil {
			return err
		}

		cur, exists := c.presence.Get(rec.Position)
		if !exists || cur.IndexOf(id) < 0 {
			c.log.Warn("Карта %d: объект %d отсутствует в индексе позиции %s", c.mapID, id, rec.Position)
		}
		if !exists {
			cur = presence.MapObject{MapID: c.mapID, Position: rec.Position, ChunkID: rec.ChunkID}
		}
		next := cur.Without(id)

		undo := &undoLog{op: "coordinator.Delete", log: c.log}
		if exists {
			if err := c.putMapObject(ctx, cur, true, next, undo); err != nil {
				undo.rollback()
				return err
			}
			if err := c.markBlock(ctx, rec.ChunkID, off, cur, next, undo); err != nil {
				undo.rollback()
				return err
			}
		}
		if err := c.removeObject(ctx, rec, undo); err != nil {
			undo.rollback()
			return err
		}

		c.presence.Apply(next)
		ev = objectEvent(rec, exists && len(next.Occupants) == 0)
		return nil
	})
	if err != nil {
		return ObjectRecord{}, err
	}

	c.metrics.setFilled(c.mapID, c.presence.Filled().Len())
	c.publish(ctx, eventbus.TypeObjectDeleted, ev)
	c.log.Debug("Карта %d: объект %d удалён из %s", c.mapID, rec.ID, rec.Position)
	return rec, nil
}

// DeleteBulk атомарно удаляет набор объектов. Если category не CategoryAny,
// каждый объект обязан иметь эту категорию. Ошибка проверки любого id
// отменяет всю операцию до каких-либо изменений.
func (c *Coordinator) DeleteBulk(ctx context.Context, category knowledge.Category, ids []uint64) (recs []ObjectRecord, err error) {
	started := time.Now()
	ctx, span := c.startSpan(ctx, "coordinator.DeleteBulk",
		attribute.Int("objects", len(ids)), attribute.String("category", category.String()))
	defer func() {
		c.metrics.observe("delete_bulk", started, err)
		endSpan(span, err)
	}()

	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []ObjectRecord{}, nil
	}

	// Первичное чтение только для определения набора блокировок
	positions := make([]vec.Vec3, 0, len(ids))
	for _, id := range ids {
		rec, err := c.getObject(ctx, id)
		if err != nil {
			return nil, err
		}
		positions = append(positions, rec.Position)
	}

	var events []eventbus.ObjectEvent
	err = c.withLock(ctx, positions, func() error {
		recs = make([]ObjectRecord, 0, len(ids))
		for _, id := range ids {
			rec, err := c.getObject(ctx, id)
			if err != nil {
				return err
			}
			if category != knowledge.CategoryAny && rec.Category != category {
				return apperr.New(apperr.NotFound, "coordinator.DeleteBulk",
					"объект %d имеет категорию %s, ожидалась %s", id, rec.Category, category)
			}
			recs = append(recs, rec)
		}

		// Группировка по позициям в порядке первого упоминания
		type change struct {
			cur, next presence.MapObject
			exists    bool
			off       int
		}
		var order []vec.Vec3
		changes := make(map[vec.Vec3]*change)
		for _, rec := range recs {
			ch, ok := changes[rec.Position]
			if !ok {
				_, off, err := c.index.BlockOffset(ctx, rec.Position)
				if err != nil {
					return err
				}
				cur, exists := c.presence.Get(rec.Position)
				if !exists {
					cur = presence.MapObject{MapID: c.mapID, Position: rec.Position, ChunkID: rec.ChunkID}
				}
				ch = &change{cur: cur, next: cur, exists: exists, off: off}
				changes[rec.Position] = ch
				order = append(order, rec.Position)
			}
			ch.next = ch.next.Without(rec.ID)
		}

		undo := &undoLog{op: "coordinator.DeleteBulk", log: c.log}
		for _, pos := range order {
			ch := changes[pos]
			if !ch.exists {
				continue
			}
			if err := c.putMapObject(ctx, ch.cur, true, ch.next, undo); err != nil {
				undo.rollback()
				return err
			}
			if err := c.markBlock(ctx, ch.cur.ChunkID, ch.off, ch.cur, ch.next, undo); err != nil {
				undo.rollback()
				return err
			}
		}
		for _, rec := range recs {
			if err := c.removeObject(ctx, rec, undo); err != nil {
				undo.rollback()
				return err
			}
		}

		// Индекс в памяти меняется только после всех долговременных записей
		for _, pos := range order {
			c.presence.Apply(changes[pos].next)
		}

		emptied := make(map[vec.Vec3]bool, len(order))
		for _, pos := range order {
			ch := changes[pos]
			emptied[pos] = ch.exists && len(ch.next.Occupants) == 0
		}
		for _, rec := range recs {
			// Освобождение позиции отмечается на последнем удалённом из неё объекте
			last := emptied[rec.Position] && lastAt(recs, rec)
			events = append(events, objectEvent(rec, last))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.metrics.setFilled(c.mapID, c.presence.Filled().Len())
	for _, ev := range events {
		c.publish(ctx, eventbus.TypeObjectDeleted, ev)
	}
	c.log.Debug("Карта %d: массово удалено %d объектов", c.mapID, len(recs))
	return recs, nil
}

// Retrieve возвращает объекты в позиции в порядке вставки
func (c *Coordinator) Retrieve(ctx context.Context, pos vec.Vec3) (recs []ObjectRecord, err error) {
	started := time.Now()
	ctx, span := c.startSpan(ctx, "coordinator.Retrieve", attribute.String("position", pos.Key()))
	defer func() {
		c.metrics.observe("retrieve", started, err)
		endSpan(span, err)
	}()

	if _, err := c.index.ChunkFor(ctx, pos); err != nil {
		return nil, err
	}

	err = c.withLock(ctx, []vec.Vec3{pos}, func() error {
		occupants := c.presence.ObjectsAt(pos)
		recs = make([]ObjectRecord, 0, len(occupants))
		for _, o := range occupants {
			rec, err := c.getObject(ctx, o.ID)
			if apperr.Is(err, apperr.NotFound) {
				c.log.Warn("Карта %d: в %s записан объект %d без записи объекта", c.mapID, pos, o.ID)
				continue
			}
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Coordinator) withLock(ctx context.Context, positions []vec.Vec3, fn func() error) error {
	release, wait, err := c.locks.Acquire(ctx, c.mapID, positions...)
	c.metrics.observeLockWait(wait)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (c *Coordinator) getObject(ctx context.Context, id uint64) (ObjectRecord, error) {
	var rec ObjectRecord
	if err := c.objects.Get(ctx, storage.KindObject, objectKey(id), &rec); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return ObjectRecord{}, apperr.New(apperr.NotFound, "coordinator.getObject", "объект %d не найден", id)
		}
		return ObjectRecord{}, apperr.Wrap(apperr.StorageFailure, "coordinator.getObject", err)
	}
	if rec.MapID != c.mapID {
		return ObjectRecord{}, apperr.New(apperr.NotFound, "coordinator.getObject",
			"объект %d принадлежит карте %d", id, rec.MapID)
	}
	return rec, nil
}

func (c *Coordinator) putObject(ctx context.Context, rec ObjectRecord, undo *undoLog) error {
	if err := c.objects.Set(ctx, storage.KindObject, objectKey(rec.ID), rec); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "coordinator.putObject", err)
	}
	undo.push(func(ctx context.Context) error {
		return c.objects.Remove(ctx, storage.KindObject, objectKey(rec.ID))
	})
	return nil
}

func (c *Coordinator) removeObject(ctx context.Context, rec ObjectRecord, undo *undoLog) error {
	if err := c.objects.Remove(ctx, storage.KindObject, objectKey(rec.ID)); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "coordinator.removeObject", err)
	}
	undo.push(func(ctx context.Context) error {
		return c.objects.Set(ctx, storage.KindObject, objectKey(rec.ID), rec)
	})
	return nil
}

// putMapObject записывает next вместо cur; пустая запись удаляется
func (c *Coordinator) putMapObject(ctx context.Context, cur presence.MapObject, existed bool, next presence.MapObject, undo *undoLog) error {
	key := next.Key()
	var err error
	if len(next.Occupants) == 0 {
		err = c.objects.Remove(ctx, storage.KindMapObject, key)
	} else {
		err = c.objects.Set(ctx, storage.KindMapObject, key, next)
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "coordinator.putMapObject", err)
	}

	undo.push(func(ctx context.Context) error {
		if !existed {
			return c.objects.Remove(ctx, storage.KindMapObject, key)
		}
		return c.objects.Set(ctx, storage.KindMapObject, key, cur)
	})
	return nil
}

// markBlock отражает присутствие в записи блока: FILLED и ссылка на
// первый объект позиции. Запись пропускается, если первый объект не изменился.
func (c *Coordinator) markBlock(ctx context.Context, chunkID uint64, off int, cur, next presence.MapObject, undo *undoLog) error {
	if head(cur) == head(next) {
		return nil
	}

	var prevRef uint64
	var prevFilled bool
	err := c.index.Store().WithBlockBuffer(ctx, chunkID, func(buf []byte) error {
		prevRef = codec.ObjectRef(buf, off)
		prevFilled = codec.HasFlag(buf, off, codec.FlagFilled)
		setPresence(buf, off, head(next))
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "coordinator.markBlock", err)
	}

	undo.push(func(ctx context.Context) error {
		return c.index.Store().WithBlockBuffer(ctx, chunkID, func(buf []byte) error {
			codec.SetObjectRef(buf, off, prevRef)
			if prevFilled {
				codec.AddFlag(buf, off, codec.FlagFilled)
			} else {
				codec.RemoveFlag(buf, off, codec.FlagFilled)
			}
			return nil
		})
	})
	return nil
}

func setPresence(buf []byte, off int, ref uint64) {
	codec.SetObjectRef(buf, off, ref)
	if ref == 0 {
		codec.RemoveFlag(buf, off, codec.FlagFilled)
	} else {
		codec.AddFlag(buf, off, codec.FlagFilled)
	}
}

func head(m presence.MapObject) uint64 {
	if len(m.Occupants) == 0 {
		return 0
	}
	return m.Occupants[0].ID
}

func (c *Coordinator) publish(ctx context.Context, eventType string, ev eventbus.ObjectEvent) {
	if c.bus == nil {
		return
	}
	env, err := eventbus.NewObjectEnvelope(eventType, EventSource, ev)
	if err != nil {
		c.log.Error("Не удалось сформировать событие %s: %v", eventType, err)
		return
	}
	// Изменение уже зафиксировано: ошибка доставки не отменяет операцию
	if err := c.bus.Publish(context.WithoutCancel(ctx), env); err != nil {
		c.log.Warn("Не удалось опубликовать событие %s для объекта %d: %v", eventType, ev.ObjectID, err)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int64("map.id", int64(c.mapID)))
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", apperr.KindOf(err).String()))
	}
	span.End()
	return err
}

func objectEvent(rec ObjectRecord, changed bool) eventbus.ObjectEvent {
	return eventbus.ObjectEvent{
		ObjectID:     rec.ID,
		MapID:        rec.MapID,
		Position:     rec.Position,
		ChunkID:      rec.ChunkID,
		Category:     rec.Category,
		KnowledgeRef: rec.KnowledgeRef,
		Changed:      changed,
	}
}

func uniqueIDs(ids []uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// lastAt сообщает, что rec — последний в recs объект своей позиции
func lastAt(recs []ObjectRecord, rec ObjectRecord) bool {
	for j := len(recs) - 1; j >= 0; j-- {
		if recs[j].Position == rec.Position {
			return recs[j].ID == rec.ID
		}
	}
	return false
}
