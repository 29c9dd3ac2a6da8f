package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/annel0/spatial-core/internal/logging"
	nats "github.com/nats-io/nats.go"
)

// Субъекты событий: spatial.events.<mapID>.<eventType>
const subjectPrefix = "spatial.events"

// JetStreamBus реализует EventBus поверх NATS JetStream: события присутствия
// переживают рестарт и доступны другим сервисам.
type JetStreamBus struct {
	nc          *nats.Conn
	js          nats.JetStreamContext
	stream      string
	published   atomic.Uint64
	consumed    atomic.Uint64
	dropped     atomic.Uint64
	subscribers atomic.Int64
}

// NewJetStreamBus подключается к NATS и создаёт стрим, если его ещё нет
func NewJetStreamBus(url, stream string, retention time.Duration) (*JetStreamBus, error) {
	if stream == "" {
		stream = "SPATIAL_EVENTS"
	}

	nc, err := nats.Connect(url,
		nats.Name("spatial-core-events"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn("JetStream bus: соединение потеряно: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    retention,
			Storage:   nats.FileStorage,
			// Повторная публикация с тем же ID в пределах окна отбрасывается
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("add stream %s: %w", stream, err)
		}
	}

	logging.Info("JetStream bus: стрим %s на %s", stream, url)
	return &JetStreamBus{nc: nc, js: js, stream: stream}, nil
}

func eventSubject(mapID uint64, eventType string) string {
	return subjectPrefix + "." + strconv.FormatUint(mapID, 10) + "." + eventType
}

// filterSubject сужает подписку на стороне сервера, когда фильтр
// задаёт ровно одну карту или один тип; остальное проверяет matchFilter.
func filterSubject(f Filter) string {
	mapPart, typePart := "*", "*"
	if len(f.Maps) == 1 {
		mapPart = strconv.FormatUint(f.Maps[0], 10)
	}
	if len(f.Types) == 1 {
		typePart = f.Types[0]
	}
	return subjectPrefix + "." + mapPart + "." + typePart
}

// Publish публикует конверт в JSON; ID конверта служит ключом дедупликации
func (jb *JetStreamBus) Publish(ctx context.Context, ev *Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = jb.js.Publish(eventSubject(ev.MapID, ev.EventType), data, nats.Context(ctx), nats.MsgId(ev.ID))
	if err != nil {
		jb.dropped.Add(1)
		return fmt.Errorf("jetstream publish: %w", err)
	}
	jb.published.Add(1)
	return nil
}

// Subscribe создаёт эфемерного потребителя, получающего только новые события.
// Потребитель удаляется при Unsubscribe.
func (jb *JetStreamBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	natSub, err := jb.js.Subscribe(filterSubject(f), func(msg *nats.Msg) {
		var ev Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			jb.dropped.Add(1)
			_ = msg.Term()
			return
		}
		if matchFilter(&ev, f) {
			h(ctx, &ev)
			jb.consumed.Add(1)
		}
		_ = msg.Ack()
	}, nats.BindStream(jb.stream), nats.ManualAck(), nats.DeliverNew(), nats.AckWait(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("jetstream subscribe: %w", err)
	}

	jb.subscribers.Add(1)
	return &jetSub{s: natSub, bus: jb}, nil
}

type jetSub struct {
	s    *nats.Subscription
	bus  *JetStreamBus
	done atomic.Bool
}

func (j *jetSub) Unsubscribe() {
	if j.done.Swap(true) {
		return
	}
	_ = j.s.Unsubscribe()
	j.bus.subscribers.Add(-1)
}

// Metrics возвращает текущие метрики.
func (jb *JetStreamBus) Metrics() Stats {
	return Stats{
		Published:   jb.published.Load(),
		Consumed:    jb.consumed.Load(),
		Dropped:     jb.dropped.Load(),
		Subscribers: int(jb.subscribers.Load()),
	}
}

// Close дожидается отправки и закрывает соединение
func (jb *JetStreamBus) Close() error {
	return jb.nc.Drain()
}
