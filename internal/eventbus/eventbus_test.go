package eventbus

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objectEnvelope(t *testing.T, typ string, mapID, objID uint64) *Envelope {
	env, err := NewObjectEnvelope(typ, "test", ObjectEvent{
		ObjectID: objID,
		MapID:    mapID,
		Position: vec.Vec3{X: 2, Y: 2, Z: 5},
		Category: knowledge.CategoryCreature,
	})
	require.NoError(t, err)
	return env
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{TypeObjectInserted}}, func(ctx context.Context, ev *Envelope) {
		oe, err := DecodeObjectEvent(ev)
		assert.NoError(t, err)
		mu.Lock()
		got = append(got, oe.ObjectID)
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, bus.Publish(ctx, objectEnvelope(t, TypeObjectInserted, 1, i)))
		require.NoError(t, bus.Publish(ctx, objectEnvelope(t, TypeObjectDeleted, 1, 100+i)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("события не доставлены")
	}
	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	mu.Unlock()
	assert.Equal(t, uint64(10), bus.Metrics().Published)
}

func TestMemoryBusMapFilterAndUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	received := make(chan *Envelope, 8)
	sub, err := bus.Subscribe(context.Background(), Filter{Maps: []uint64{2}}, func(ctx context.Context, ev *Envelope) {
		received <- ev
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, objectEnvelope(t, TypeObjectInserted, 1, 1)))
	require.NoError(t, bus.Publish(ctx, objectEnvelope(t, TypeObjectInserted, 2, 2)))

	select {
	case ev := <-received:
		assert.Equal(t, uint64(2), ev.MapID)
	case <-time.After(2 * time.Second):
		t.Fatal("событие карты 2 не доставлено")
	}

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(ctx, objectEnvelope(t, TypeObjectInserted, 2, 3)))
	select {
	case ev := <-received:
		t.Fatalf("событие после отписки: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusDropsWhenSubscriberIsSlow(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	release := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	require.NoError(t, err)

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), objectEnvelope(t, TypeObjectInserted, 1, i)))
	}
	assert.Greater(t, bus.Metrics().Dropped, uint64(0))
	close(release)
}

func TestRegisterMetrics(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(bus, reg))

	sub, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), objectEnvelope(t, TypeObjectInserted, 1, 1)))

	expected := `
# HELP spatial_eventbus_messages_published_total Опубликованные события.
# TYPE spatial_eventbus_messages_published_total counter
spatial_eventbus_messages_published_total 1
# HELP spatial_eventbus_subscribers Активные подписки.
# TYPE spatial_eventbus_subscribers gauge
spatial_eventbus_subscribers 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"spatial_eventbus_messages_published_total", "spatial_eventbus_subscribers"))

	// Повторная регистрация в том же регистре — ошибка
	assert.Error(t, RegisterMetrics(bus, reg))
}

func TestJetStreamBus(t *testing.T) {
	url := os.Getenv("SPATIAL_TEST_NATS_URL")
	if url == "" {
		t.Skip("SPATIAL_TEST_NATS_URL не задан")
	}

	bus, err := NewJetStreamBus(url, "SPATIAL_TEST", time.Hour)
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan *Envelope, 1)
	sub, err := bus.Subscribe(context.Background(), Filter{Types: []string{TypeObjectDeleted}}, func(ctx context.Context, ev *Envelope) {
		received <- ev
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	env := objectEnvelope(t, TypeObjectDeleted, 1, 42)
	require.NoError(t, bus.Publish(context.Background(), env))

	select {
	case ev := <-received:
		assert.Equal(t, env.ID, ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("событие не доставлено")
	}
}

func TestJetStreamSubjects(t *testing.T) {
	assert.Equal(t, "spatial.events.3.ObjectInserted", eventSubject(3, TypeObjectInserted))
	assert.Equal(t, "spatial.events.*.*", filterSubject(Filter{}))
	assert.Equal(t, "spatial.events.7.*", filterSubject(Filter{Maps: []uint64{7}}))
	assert.Equal(t, "spatial.events.*.ObjectDeleted", filterSubject(Filter{Types: []string{TypeObjectDeleted}}))
	assert.Equal(t, "spatial.events.*.*", filterSubject(Filter{Maps: []uint64{1, 2}, Types: []string{"a", "b"}}))
}
