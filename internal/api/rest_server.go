package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/spatial-core/internal/coordinator"
	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/middleware"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const eventsPath = "/api/maps/:map/events"

// RestServer — HTTP-адаптер над протоколом координатора
type RestServer struct {
	router     *gin.Engine
	service    *coordinator.Service
	bus        eventbus.EventBus
	port       string
	metrics    *ServerMetrics
	httpServer *http.Server
	log        *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port        string               // порт для запуска сервера, например ":8080"
	ServiceName string               // имя сервиса для метрик и трассировки
	Service     *coordinator.Service // обязательный
	Bus         eventbus.EventBus    // источник ленты /events; nil отключает ленту

	// Регистр метрик; nil — регистр prometheus по умолчанию
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Kind    string      `json:"kind,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// InsertRequest — тело POST /api/maps/:map/objects
type InsertRequest struct {
	Position     vec.Vec3 `json:"position"`
	KnowledgeRef string   `json:"knowledge_ref" binding:"required"`
}

// BulkDeleteRequest — тело POST /api/maps/:map/objects/bulk-delete.
// Пустая категория означает любую.
type BulkDeleteRequest struct {
	Category  knowledge.Category `json:"category"`
	ObjectIDs []uint64           `json:"object_ids" binding:"required"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8080"
	}
	if config.ServiceName == "" {
		config.ServiceName = "spatial_core"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(middleware.NewRequestLogger(logging.GetAPILogger()).Handler())
	router.Use(otelgin.Middleware(config.ServiceName))

	// Пространство имён метрик не допускает дефисов
	namespace := strings.ReplaceAll(config.ServiceName, "-", "_")
	promMw := middleware.NewPrometheusMiddleware(namespace, config.Registerer, eventsPath)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Gatherer)

	rs := &RestServer{
		router:  router,
		service: config.Service,
		bus:     config.Bus,
		port:    config.Port,
		metrics: NewServerMetrics(),
		log:     logging.GetAPILogger(),
	}
	rs.setupRoutes()
	rs.httpServer = &http.Server{
		Addr:              config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return rs
}

// Handler возвращает http.Handler сервера (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler { return rs.router }

func (rs *RestServer) setupRoutes() {
	rs.router.GET(eventsPath, rs.handleEvents)

	maps := rs.router.Group("/api/maps/:map")
	{
		maps.POST("/objects", rs.handleInsert)
		maps.GET("/objects", rs.handleRetrieve)
		maps.DELETE("/objects/:id", rs.handleDelete)
		maps.POST("/objects/bulk-delete", rs.handleBulkDelete)
		maps.GET("/filled", rs.handleFilled)
		maps.GET("/stats", rs.handleStats)
	}
	rs.router.GET("/api/maps", rs.handleMaps)
	rs.router.GET("/health", rs.handleHealth)
}

func (rs *RestServer) handleInsert(c *gin.Context) {
	mapID, ok := rs.mapParam(c)
	if !ok {
		return
	}
	var req InsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса: %v", err)
		return
	}

	resp, err := rs.service.Ask(c.Request.Context(), coordinator.InsertObject{
		MapID: mapID, Position: req.Position, KnowledgeRef: req.KnowledgeRef,
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Объект размещён",
		Data:    resp.(coordinator.InsertObjectSuccess).Object,
	})
}

func (rs *RestServer) handleDelete(c *gin.Context) {
	mapID, ok := rs.mapParam(c)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Некорректный id объекта %q", c.Param("id"))
		return
	}

	resp, err := rs.service.Ask(c.Request.Context(), coordinator.DeleteObject{MapID: mapID, ObjectID: id})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Объект удалён",
		Data:    resp.(coordinator.DeleteObjectSuccess).Object,
	})
}

func (rs *RestServer) handleBulkDelete(c *gin.Context) {
	mapID, ok := rs.mapParam(c)
	if !ok {
		return
	}
	var req BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса: %v", err)
		return
	}

	resp, err := rs.service.Ask(c.Request.Context(), coordinator.DeleteBulkObjects{
		MapID: mapID, Category: req.Category, ObjectIDs: req.ObjectIDs,
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	objects := resp.(coordinator.DeleteBulkObjectsSuccess).Objects
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Удалено объектов: %d", len(objects)),
		Data:    objects,
	})
}

func (rs *RestServer) handleRetrieve(c *gin.Context) {
	mapID, ok := rs.mapParam(c)
	if !ok {
		return
	}
	pos, err := positionQuery(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	resp, err := rs.service.Ask(c.Request.Context(), coordinator.RetrieveObjects{MapID: mapID, Position: pos})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Объекты позиции",
		Data:    resp.(coordinator.RetrieveObjectsSuccess),
	})
}

// handleFilled возвращает занятые позиции карты или одного чанка (?chunk=)
func (rs *RestServer) handleFilled(c *gin.Context) {
	coord, ok := rs.coordinatorParam(c)
	if !ok {
		return
	}

	filled := coord.Filled()
	var positions []vec.Vec3
	if raw := c.Query("chunk"); raw != "" {
		chunkID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(c, "Некорректный id чанка %q", raw)
			return
		}
		positions = filled.Chunk(chunkID)
	} else {
		positions = filled.All()
	}
	if positions == nil {
		positions = []vec.Vec3{}
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Занятых позиций: %d", len(positions)),
		Data:    positions,
	})
}

func (rs *RestServer) handleStats(c *gin.Context) {
	coord, ok := rs.coordinatorParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Статистика получена", Data: coord.Stats()})
}

func (rs *RestServer) handleMaps(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Карты", Data: rs.service.Maps()})
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	ids := rs.service.Maps()
	stats := make([]coordinator.Stats, 0, len(ids))
	for _, id := range ids {
		if coord, ok := rs.service.Coordinator(id); ok {
			stats = append(stats, coord.Stats())
		}
	}
	c.JSON(http.StatusOK, rs.metrics.Report(stats, rs.bus))
}

// Start запускает REST сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.log.Info("REST API listening on %s", rs.port)
	if err := rs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop корректно останавливает сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.httpServer.Shutdown(ctx)
}

func (rs *RestServer) mapParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("map"), 10, 64)
	if err != nil {
		badRequest(c, "Некорректный id карты %q", c.Param("map"))
		return 0, false
	}
	return id, true
}

func (rs *RestServer) coordinatorParam(c *gin.Context) (*coordinator.Coordinator, bool) {
	mapID, ok := rs.mapParam(c)
	if !ok {
		return nil, false
	}
	coord, ok := rs.service.Coordinator(mapID)
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{
			Success: false,
			Message: fmt.Sprintf("Карта %d не найдена", mapID),
			Kind:    "NotFound",
		})
		return nil, false
	}
	return coord, true
}

func positionQuery(c *gin.Context) (vec.Vec3, error) {
	var coords [3]int
	for i, name := range []string{"x", "y", "z"} {
		raw, ok := c.GetQuery(name)
		if !ok {
			return vec.Vec3{}, fmt.Errorf("не задана координата %s", name)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return vec.Vec3{}, fmt.Errorf("некорректная координата %s=%q", name, raw)
		}
		coords[i] = v
	}
	return vec.Vec3{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	c.JSON(http.StatusBadRequest, GenericResponse{
		Success: false,
		Message: fmt.Sprintf(format, args...),
	})
}

func (rs *RestServer) fail(c *gin.Context, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		rs.log.Error("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	_ = c.Error(err)
	c.JSON(status, GenericResponse{Success: false, Message: err.Error(), Kind: kind})
}
