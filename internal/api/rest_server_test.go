package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/coordinator"
	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/storage"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *RestServer
	bus    *eventbus.MemoryBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	ix, err := world.Build(ctx, storage.NewMemoryChunkStore(codec.New(nil)), world.BuildOptions{
		MapID:    1,
		End:      vec.Vec3{X: 32, Y: 32, Z: 32},
		LeafSize: vec.Vec3{X: 16, Y: 16, Z: 16},
	})
	require.NoError(t, err)

	bus := eventbus.NewMemoryBus(64)
	t.Cleanup(func() { bus.Close() })

	reg := prometheus.NewRegistry()
	coord, err := coordinator.New(coordinator.Options{
		Index:     ix,
		Objects:   storage.NewMemoryObjectStore(),
		Knowledge: knowledge.Default(),
		Bus:       bus,
		Metrics:   coordinator.NewMetrics(reg),
	})
	require.NoError(t, err)

	svc := coordinator.NewService(coordinator.ServiceConfig{Workers: 2})
	require.NoError(t, svc.Register(coord))
	svc.Start()
	t.Cleanup(svc.Stop)

	return &testEnv{
		server: NewRestServer(Config{Service: svc, Bus: bus, Registerer: reg, Gatherer: reg}),
		bus:    bus,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var resp GenericResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func decodeData(t *testing.T, resp GenericResponse, out interface{}) {
	t.Helper()
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func TestObjectLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	w, resp := e.do(t, http.MethodPost, "/api/maps/1/objects",
		InsertRequest{Position: vec.Vec3{X: 2, Y: 2, Z: 5}, KnowledgeRef: "deer"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var o1 coordinator.ObjectRecord
	decodeData(t, resp, &o1)
	assert.Equal(t, knowledge.CategoryCreature, o1.Category)

	_, resp = e.do(t, http.MethodPost, "/api/maps/1/objects",
		InsertRequest{Position: vec.Vec3{X: 2, Y: 2, Z: 5}, KnowledgeRef: "grass"})
	var o2 coordinator.ObjectRecord
	decodeData(t, resp, &o2)

	w, resp = e.do(t, http.MethodGet, "/api/maps/1/objects?x=2&y=2&z=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got coordinator.RetrieveObjectsSuccess
	decodeData(t, resp, &got)
	require.Len(t, got.Objects, 2)
	assert.Equal(t, o1.ID, got.Objects[0].ID)
	assert.Equal(t, o2.ID, got.Objects[1].ID)

	w, resp = e.do(t, http.MethodGet, "/api/maps/1/filled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var filled []vec.Vec3
	decodeData(t, resp, &filled)
	assert.Equal(t, []vec.Vec3{{X: 2, Y: 2, Z: 5}}, filled)

	w, _ = e.do(t, http.MethodDelete, "/api/maps/1/objects/"+jsonID(o1.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = e.do(t, http.MethodPost, "/api/maps/1/objects/bulk-delete",
		map[string]interface{}{"category": "plant", "object_ids": []uint64{o2.ID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, resp = e.do(t, http.MethodGet, "/api/maps/1/filled", nil)
	filled = nil
	decodeData(t, resp, &filled)
	assert.Empty(t, filled)
}

func jsonID(id uint64) string {
	data, _ := json.Marshal(id)
	return string(data)
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		kind   string
	}{
		{"unknown ref", http.MethodPost, "/api/maps/1/objects", InsertRequest{KnowledgeRef: "dragon"}, http.StatusNotFound, "NotFound"},
		{"out of bounds", http.MethodPost, "/api/maps/1/objects", InsertRequest{Position: vec.Vec3{X: 99}, KnowledgeRef: "deer"}, http.StatusUnprocessableEntity, "OutOfBounds"},
		{"unknown map", http.MethodGet, "/api/maps/7/objects?x=0&y=0&z=0", nil, http.StatusNotFound, "NotFound"},
		{"missing object", http.MethodDelete, "/api/maps/1/objects/555", nil, http.StatusNotFound, "NotFound"},
		{"bad coordinates", http.MethodGet, "/api/maps/1/objects?x=a&y=0&z=0", nil, http.StatusBadRequest, ""},
		{"bad map id", http.MethodGet, "/api/maps/abc/filled", nil, http.StatusBadRequest, ""},
		{"missing ref", http.MethodPost, "/api/maps/1/objects", map[string]int{"x": 1}, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := e.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.False(t, resp.Success)
			assert.Equal(t, tc.kind, resp.Kind)
		})
	}
}

func TestStatusFor(t *testing.T) {
	for err, want := range map[error]int{
		apperr.New(apperr.NotFound, "op", "x"):       http.StatusNotFound,
		apperr.New(apperr.NotALeaf, "op", "x"):       http.StatusUnprocessableEntity,
		apperr.New(apperr.LockTimeout, "op", "x"):    http.StatusServiceUnavailable,
		apperr.New(apperr.StorageFailure, "op", "x"): http.StatusBadGateway,
		coordinator.ErrStopped:                       http.StatusServiceUnavailable,
		errors.New("boom"):                           http.StatusInternalServerError,
	} {
		status, _ := statusFor(err)
		assert.Equal(t, want, status, "%v", err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	w, _ := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 1, report.Maps)
	assert.Zero(t, report.Filled)
	require.NotNil(t, report.Events)

	e.do(t, http.MethodGet, "/api/maps/1/objects?x=0&y=0&z=0", nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spatial_coordinator_ops_total")
	assert.Contains(t, rec.Body.String(), "spatial_core_http_request_duration_seconds")
}

func TestEventsFeed(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/maps/1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Подписка оформляется после апгрейда; ждём её появления
	require.Eventually(t, func() bool { return e.bus.Metrics().Subscribers > 0 }, time.Second, 10*time.Millisecond)

	w, _ := e.do(t, http.MethodPost, "/api/maps/1/objects", InsertRequest{Position: vec.Vec3{X: 3}, KnowledgeRef: "wolf"})
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env eventbus.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, eventbus.TypeObjectInserted, env.EventType)
	ev, err := eventbus.DecodeObjectEvent(&env)
	require.NoError(t, err)
	assert.Equal(t, vec.Vec3{X: 3}, ev.Position)
}
