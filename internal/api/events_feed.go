package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEvents отдаёт по websocket конверты событий присутствия карты.
// Фильтр по типу: ?type=ObjectInserted (можно повторять).
// Медленный клиент, не успевающий за лентой, отключается.
func (rs *RestServer) handleEvents(c *gin.Context) {
	mapID, ok := rs.mapParam(c)
	if !ok {
		return
	}
	if _, ok := rs.service.Coordinator(mapID); !ok {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Карта не найдена", Kind: "NotFound"})
		return
	}
	if rs.bus == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{Success: false, Message: "Лента событий отключена"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rs.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	send := make(chan []byte, feedBuffer)
	sub, err := rs.bus.Subscribe(ctx, eventbus.Filter{Maps: []uint64{mapID}, Types: c.QueryArray("type")},
		func(_ context.Context, env *eventbus.Envelope) {
			data, err := json.Marshal(env)
			if err != nil {
				return
			}
			select {
			case send <- data:
			default:
				// Клиент не успевает: закрываем соединение
				cancel()
			}
		})
	if err != nil {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	rs.log.Info("Events feed opened: map=%d remote=%s", mapID, conn.RemoteAddr())
	go rs.feedReadPump(conn, cancel)
	rs.feedWritePump(ctx, conn, send)

	sub.Unsubscribe()
	cancel()
	rs.log.Info("Events feed closed: map=%d remote=%s", mapID, conn.RemoteAddr())
}

// feedReadPump читает только управляющие кадры, чтобы замечать закрытие
func (rs *RestServer) feedReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rs.log.Debug("events feed read: %v", err)
			}
			return
		}
	}
}

func (rs *RestServer) feedWritePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return
		}
	}
}
