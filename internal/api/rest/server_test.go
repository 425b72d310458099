package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/EstateHub/internal/auth"
	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/KevinKickass/EstateHub/internal/hub"
	"github.com/KevinKickass/EstateHub/internal/session"
	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHub struct{}

func (fakeHub) Status() hub.Status {
	return hub.Status{State: hub.StateRunning, Timestamp: 1}
}

func (fakeHub) Sessions() []session.Info {
	return []session.Info{{Port: "/dev/ttyACM0", DeviceID: "H001", State: session.StateReading, StartedAt: time.Unix(0, 0)}}
}

type fakeSyncer struct {
	n   int
	err error
}

func (f *fakeSyncer) SyncDevices(ctx context.Context) (int, error) { return f.n, f.err }

type fakeCommander struct {
	sent []int64
	err  error
}

func (f *fakeCommander) SendInstruction(id int64) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, id)
	return nil
}

type apiHarness struct {
	server *Server
	token  string
	store  *storage.MemoryStore
	syncer *fakeSyncer
	bus    *fakeCommander
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	token, hash, err := auth.GenerateToken()
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	require.NoError(t, store.Sync(context.Background(), types.Device{
		ID:             7,
		DeviceID:       "H001",
		ConnectionType: types.ConnectionConsumer,
		Status:         types.StatusActive,
		AccountAddress: "0xabc",
		TokenBalance:   10,
	}, true))

	h := &apiHarness{token: token, store: store, syncer: &fakeSyncer{n: 3}, bus: &fakeCommander{}}
	h.server = NewServer(config.APIConfig{HTTPPort: 0, TokenHash: hash}, Deps{
		Hub:      fakeHub{},
		Devices:  store,
		Registry: h.syncer,
		Bus:      h.bus,
	}, zap.NewNop())
	return h
}

func (h *apiHarness) do(method, path string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAPIRequiresToken(t *testing.T) {
	h := newAPIHarness(t)
	for _, path := range []string{"/api/v1/status", "/api/v1/sessions", "/api/v1/devices"} {
		rec := h.do(http.MethodGet, path, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := h.do(http.MethodPost, "/api/v1/devices/7/toggle", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.bus.sent)
}

func TestGetStatus(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/status", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"RUNNING"`)
}

func TestListSessions(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/sessions", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []map[string]any `json:"sessions"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "READING", body.Sessions[0]["state"])
}

func TestListDevices(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/devices", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Devices []types.Device `json:"devices"`
		Count   int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "H001", body.Devices[0].DeviceID)
	assert.Equal(t, types.NormalizeAddress("0xabc"), body.Devices[0].AccountAddress)
}

func TestSyncDevices(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodPost, "/api/v1/devices/sync", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"synced":3}`, rec.Body.String())

	h.syncer.err = errors.New("registry unavailable")
	rec = h.do(http.MethodPost, "/api/v1/devices/sync", true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "DEVICES_502")
}

func TestToggleDevice(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/devices/7/toggle", true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"device":7,"instruction":2}`, rec.Body.String())
	assert.Equal(t, []int64{7}, h.bus.sent)

	rec = h.do(http.MethodPost, "/api/v1/devices/99/toggle", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/devices/abc/toggle", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.bus.err = errors.New("broker down")
	rec = h.do(http.MethodPost, "/api/v1/devices/7/toggle", true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []int64{7}, h.bus.sent)
}
