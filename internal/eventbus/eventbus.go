package eventbus

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Envelope описывает универсальный контейнер события.
type Envelope struct {
	ID            string            `json:"id"`        // UUID
	Timestamp     time.Time         `json:"timestamp"` // UTC
	Source        string            `json:"source"`    // имя сервиса-источника
	EventType     string            `json:"event_type"`
	Version       int               `json:"version"` // схема полезной нагрузки
	MapID         uint64            `json:"map_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Priority      int               `json:"priority"` // 0=Low … 9=Critical (для backpressure)
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Filter позволяет подписаться только на нужные события.
type Filter struct {
	Types   []string // Если пусто — все типы.
	Sources []string // Если пусто — все источники.
	Maps    []uint64 // Если пусто — все карты.
}

// Subscription возвращается при подписке; позволяет отписаться.
type Subscription interface {
	Unsubscribe()
}

// Handler потребляет события.
type Handler func(ctx context.Context, ev *Envelope)

// Stats агрегированные метрики шины.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Dropped     uint64
	InFlight    int
	Subscribers int
}

// EventBus определяет абстракцию шины событий.
type EventBus interface {
	Publish(ctx context.Context, ev *Envelope) error
	Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error)
	Metrics() Stats
	Close() error
}

//================ In-Memory implementation =================//

// MemoryBus доставляет события в памяти процесса. Каждый подписчик получает
// события по порядку публикации через собственную очередь; при переполнении
// очереди подписчика событие для него отбрасывается.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	stats       Stats
	capacity    int
	closed      bool
}

type subscriber struct {
	filter Filter
	queue  chan *Envelope
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryBus создаёт in-memory шину; capacity — размер очереди подписчика.
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryBus{
		subscribers: make(map[int]*subscriber),
		capacity:    capacity,
	}
}

func (mb *MemoryBus) Publish(ctx context.Context, ev *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil
	}

	mb.stats.Published++
	for _, sub := range mb.subscribers {
		if !matchFilter(ev, sub.filter) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			mb.stats.Dropped++
		}
	}
	return nil
}

func (mb *MemoryBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	cctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		filter: f,
		queue:  make(chan *Envelope, mb.capacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	mb.mu.Lock()
	id := mb.nextID
	mb.nextID++
	mb.subscribers[id] = sub
	mb.mu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-cctx.Done():
				return
			case ev := <-sub.queue:
				h(cctx, ev)
				mb.mu.Lock()
				mb.stats.Consumed++
				mb.mu.Unlock()
			}
		}
	}()

	return &memSub{bus: mb, id: id}, nil
}

func (mb *MemoryBus) Metrics() Stats {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	s := mb.stats
	s.Subscribers = len(mb.subscribers)
	for _, sub := range mb.subscribers {
		s.InFlight += len(sub.queue)
	}
	return s
}

// Close отписывает всех подписчиков
func (mb *MemoryBus) Close() error {
	mb.mu.Lock()
	subs := mb.subscribers
	mb.subscribers = make(map[int]*subscriber)
	mb.closed = true
	mb.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// matchFilter: пустое поле фильтра пропускает любое значение
func matchFilter(ev *Envelope, f Filter) bool {
	return (len(f.Types) == 0 || slices.Contains(f.Types, ev.EventType)) &&
		(len(f.Sources) == 0 || slices.Contains(f.Sources, ev.Source)) &&
		(len(f.Maps) == 0 || slices.Contains(f.Maps, ev.MapID))
}

type memSub struct {
	bus *MemoryBus
	id  int
}

func (s *memSub) Unsubscribe() {
	s.bus.mu.Lock()
	sub, ok := s.bus.subscribers[s.id]
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()

	if ok {
		sub.cancel()
		<-sub.done
	}
}
