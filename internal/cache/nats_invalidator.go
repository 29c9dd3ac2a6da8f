package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/spatial-core/internal/logging"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSInvalidator рассылает инвалидации заголовков чанков через NATS Pub/Sub,
// чтобы несколько процессов над одним хранилищем не читали устаревшее соседство.
//
// Одно соединение обслуживает кеши всех карт процесса: каждый кеш подписывает
// свой обработчик, а ключ (ChunkKey) несёт id карты. Свои сообщения узел
// игнорирует; повтор ключа в пределах DedupeWindow не публикуется.
type NATSInvalidator struct {
	conn   *nats.Conn
	config InvalidatorConfig
	nodeID string

	mu       sync.Mutex
	sub      *nats.Subscription
	handlers map[uint64]InvalidationHandler
	nextID   uint64

	recentMu sync.Mutex
	recent   map[string]time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	published atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
}

// InvalidatorConfig содержит конфигурацию NATS invalidator.
type InvalidatorConfig struct {
	NATSURL       string        `yaml:"nats_url"`
	Subject       string        `yaml:"subject"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
}

// InvalidationMessage — сообщение об инвалидации ключа кеша.
type InvalidationMessage struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
}

// InvalidatorStats — счётчики invalidator
type InvalidatorStats struct {
	Published int64 `json:"published"`
	Received  int64 `json:"received"`
	Errors    int64 `json:"errors"`
	Handlers  int   `json:"handlers"`
	Connected bool  `json:"connected"`
}

func (c *InvalidatorConfig) applyDefaults() {
	if c.Subject == "" {
		c.Subject = "spatial.chunks.invalidate"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 200 * time.Millisecond
	}
}

// NewNATSInvalidator подключается к NATS. Пустой nodeID заменяется uuid.
func NewNATSInvalidator(config InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	config.applyDefaults()
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	conn, err := nats.Connect(config.NATSURL,
		nats.Name("spatial-core-"+nodeID),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn("Chunk invalidator: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("Chunk invalidator: NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n := &NATSInvalidator{
		conn:     conn,
		config:   config,
		nodeID:   nodeID,
		handlers: make(map[uint64]InvalidationHandler),
		recent:   make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.sweepRecent()

	logging.Info("Chunk invalidator: %s subject=%s node=%s", config.NATSURL, config.Subject, nodeID)
	return n, nil
}

// PublishInvalidation отправляет уведомление об инвалидации ключа.
func (n *NATSInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.markRecent(key) {
		return nil
	}

	data, err := json.Marshal(InvalidationMessage{Key: key, Timestamp: time.Now().UTC(), NodeID: n.nodeID})
	if err != nil {
		n.errors.Add(1)
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := n.conn.Publish(n.config.Subject, data); err != nil {
		n.errors.Add(1)
		return fmt.Errorf("publish invalidation: %w", err)
	}
	n.published.Add(1)
	return nil
}

// SubscribeInvalidations добавляет обработчик уведомлений других узлов.
// Обработчик снимается при отмене ctx; подписка NATS живёт, пока есть обработчики.
func (n *NATSInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	n.mu.Lock()
	if n.sub == nil {
		sub, err := n.conn.Subscribe(n.config.Subject, n.handleMessage)
		if err != nil {
			n.mu.Unlock()
			return fmt.Errorf("subscribe to invalidations: %w", err)
		}
		n.sub = sub
	}
	n.nextID++
	id := n.nextID
	n.handlers[id] = handler
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
		case <-n.stopCh:
		}
		n.removeHandler(id)
	}()
	return nil
}

func (n *NATSInvalidator) removeHandler(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.handlers, id)
	if len(n.handlers) > 0 || n.sub == nil {
		return
	}
	if err := n.sub.Unsubscribe(); err != nil {
		logging.Warn("Chunk invalidator: unsubscribe: %v", err)
	}
	n.sub = nil
}

// Close снимает все обработчики и закрывает соединение. Повторный вызов безопасен.
func (n *NATSInvalidator) Close() error {
	n.closeOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
		n.conn.Close()
	})
	return nil
}

// Stats возвращает счётчики invalidator.
func (n *NATSInvalidator) Stats() InvalidatorStats {
	n.mu.Lock()
	handlers := len(n.handlers)
	n.mu.Unlock()

	return InvalidatorStats{
		Published: n.published.Load(),
		Received:  n.received.Load(),
		Errors:    n.errors.Load(),
		Handlers:  handlers,
		Connected: n.conn.IsConnected(),
	}
}

func (n *NATSInvalidator) handleMessage(msg *nats.Msg) {
	var m InvalidationMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		n.errors.Add(1)
		logging.Warn("Chunk invalidator: malformed message: %v", err)
		return
	}
	if m.NodeID == n.nodeID {
		return
	}
	n.received.Add(1)

	n.mu.Lock()
	handlers := make([]InvalidationHandler, 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	for _, h := range handlers {
		if err := h(m.Key); err != nil {
			n.errors.Add(1)
			logging.Warn("Chunk invalidator: handler failed for %s: %v", m.Key, err)
		}
	}
}

// markRecent запоминает ключ и сообщает, нужно ли его публиковать
func (n *NATSInvalidator) markRecent(key string) bool {
	now := time.Now()

	n.recentMu.Lock()
	defer n.recentMu.Unlock()

	if last, ok := n.recent[key]; ok && now.Sub(last) < n.config.DedupeWindow {
		return false
	}
	n.recent[key] = now
	return true
}

func (n *NATSInvalidator) sweepRecent() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.DedupeWindow * 10)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			n.recentMu.Lock()
			for key, ts := range n.recent {
				if now.Sub(ts) > n.config.DedupeWindow {
					delete(n.recent, key)
				}
			}
			n.recentMu.Unlock()
		case <-n.stopCh:
			return
		}
	}
}
