package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lab-bench/internal/config"
	"lab-bench/internal/events"
	"lab-bench/internal/inventory"
	"lab-bench/internal/matcher"
	"lab-bench/internal/model"
	"lab-bench/internal/protocol"
	"lab-bench/internal/repository"
	"lab-bench/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLister struct {
	devices []model.DeviceSnapshot
	err     error
}

func (f fakeLister) ListDevices(context.Context) ([]model.DeviceSnapshot, error) {
	return f.devices, f.err
}

func perform(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Name: "lab-bench", Version: "test"}}

	tests := []struct {
		description string
		lister      fakeLister
		path        string
		status      int
	}{
		{"healthy without database", fakeLister{devices: []model.DeviceSnapshot{{Identified: true}}}, "/health", http.StatusOK},
		{"stuck worker", fakeLister{err: inventory.ErrWorkerStopped}, "/health", http.StatusServiceUnavailable},
		{"ready", fakeLister{}, "/ready", http.StatusOK},
		{"not ready", fakeLister{err: inventory.ErrWorkerStopped}, "/ready", http.StatusServiceUnavailable},
		{"database disabled", fakeLister{}, "/health/db", http.StatusOK},
		{"live", fakeLister{err: inventory.ErrWorkerStopped}, "/live", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			router := gin.New()
			NewHealthHandler(nil, tt.lister, cfg, zap.NewNop()).RegisterRoutes(router)

			w := perform(router, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{inventory.ErrDeviceNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", inventory.ErrDeviceInUse), http.StatusConflict},
		{inventory.ErrNotClaimed, http.StatusConflict},
		{inventory.ErrWrongProtocol, http.StatusUnprocessableEntity},
		{protocol.ErrReplyTimeout, http.StatusRequestTimeout},
		{inventory.ErrWorkerStopped, http.StatusServiceUnavailable},
		{&matcher.UnderDefinedError{}, http.StatusConflict},
		{matcher.ErrSelectionCancelled, http.StatusConflict},
		{repository.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

type stubMatcher struct {
	result *matcher.Result
	err    error
}

func (s stubMatcher) Match(context.Context, []model.Requirement, matcher.Acceptors) (*matcher.Result, error) {
	return s.result, s.err
}

type stubInventory struct {
	service.DeviceInventory
	released int
}

func (s *stubInventory) Release(context.Context, uuid.UUID) (int, error) {
	return s.released, nil
}

func (s *stubInventory) Handle(runID, deviceID uuid.UUID) *inventory.Handle {
	return nil
}

func matchRouter(t *testing.T, m service.Matcher) *gin.Engine {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := events.NewBus(zap.NewNop())
	go bus.Start(ctx)

	inv := &stubInventory{released: 2}
	svc := service.NewMatchService(m, inv, inv, repository.NewMemoryMatchRunRepository(), bus, zap.NewNop())
	router := gin.New()
	NewMatchHandler(svc, zap.NewNop()).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func TestMatchHandler_CreateMatch(t *testing.T) {
	body := `{"requirements":[{"protocol":"scpi","name_patterns":["HM*"],"min":1,"max":1}]}`

	t.Run("matched", func(t *testing.T) {
		result := &matcher.Result{RunID: uuid.New(), Success: true}
		router := matchRouter(t, stubMatcher{result: result})

		w := perform(router, http.MethodPost, "/api/v1/matches", body)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), result.RunID.String())

		w = perform(router, http.MethodDelete, "/api/v1/matches/"+result.RunID.String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"released":2`)
	})

	t.Run("under-defined reports shortfalls", func(t *testing.T) {
		under := &matcher.UnderDefinedError{Shortfalls: []matcher.Shortfall{
			{Index: 0, Required: 1, Protocol: model.ProtocolSCPI, Filter: "HM*", Actual: 0},
		}}
		router := matchRouter(t, stubMatcher{result: &matcher.Result{RunID: uuid.New()}, err: under})

		w := perform(router, http.MethodPost, "/api/v1/matches", body)
		require.Equal(t, http.StatusConflict, w.Code)

		var response struct {
			Data struct {
				Shortfalls []matcher.Shortfall `json:"shortfalls"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, under.Shortfalls, response.Data.Shortfalls)
	})

	t.Run("invalid body", func(t *testing.T) {
		router := matchRouter(t, stubMatcher{})
		w := perform(router, http.MethodPost, "/api/v1/matches", `{"requirements":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid ids", func(t *testing.T) {
		router := matchRouter(t, stubMatcher{})
		w := perform(router, http.MethodPost, "/api/v1/matches/not-a-run/devices/nope/query", `{"text":"*IDN?"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "device_id")
	})
}
