package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/EstateHub/internal/cache"
	"github.com/KevinKickass/EstateHub/internal/ledger"
	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const credentialKey = "hub-1:registry_access_token"

type fakeRegistry struct {
	mu          sync.Mutex
	token       string
	validToken  string
	connectCode int
	devices     []any
	activateErr int
	connects    int
	requests    []*http.Request
	bodies      []map[string]any
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, body)

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/hubs/connect" {
		f.connects++
		if f.connectCode != 0 {
			w.WriteHeader(f.connectCode)
			json.NewEncoder(w).Encode(map[string]any{"detail": "registry unavailable"})
			return
		}
		if r.URL.Query().Get("api_key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"detail": "bad api key"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": f.token})
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+f.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"detail": "token expired"})
		return
	}

	switch r.URL.Path {
	case "/hubs/sync_devices":
		json.NewEncoder(w).Encode(map[string]any{"data": f.devices})
	case "/hubs/activate_device", "/hubs/deactivate_device":
		if f.activateErr != 0 {
			w.WriteHeader(f.activateErr)
			json.NewEncoder(w).Encode(map[string]any{"detail": "device not registered"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"message": "ok"})
	case "/hubs/shutdown", "/hubs/token_consumption":
		json.NewEncoder(w).Encode(map[string]any{"message": "ok"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRegistry) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeRegistry) last() (*http.Request, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

type fakeBalances struct {
	balances map[string]int64
	failing  map[string]bool
}

func (f *fakeBalances) GetBalances(ctx context.Context, accounts []ledger.Account) map[string]ledger.BalanceResult {
	out := make(map[string]ledger.BalanceResult)
	for _, a := range accounts {
		if f.failing[a.Address] {
			out[a.Address] = ledger.BalanceResult{Err: errors.New("node unavailable")}
			continue
		}
		out[a.Address] = ledger.BalanceResult{Balance: f.balances[a.Address]}
	}
	return out
}

type fixture struct {
	registry *fakeRegistry
	mr       *miniredis.Miniredis
	store    *storage.MemoryStore
	balances *fakeBalances
	client   *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := &fakeRegistry{token: "tok-1", validToken: "tok-1", devices: []any{}}
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := storage.NewMemoryStore()
	balances := &fakeBalances{balances: map[string]int64{}, failing: map[string]bool{}}

	client, err := NewClient(ClientConfig{
		BaseURL:       srv.URL + "/hubs/",
		APIKey:        "secret",
		Timeout:       time.Second,
		CredentialTTL: time.Hour,
	}, cache.NewCredentialStore(rdb, "hub-1"), store, balances, zap.NewNop())
	require.NoError(t, err)

	return &fixture{registry: reg, mr: mr, store: store, balances: balances, client: client}
}

func TestConnectCachesOpaqueToken(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.Connect(context.Background()))

	token, err := f.mr.Get(credentialKey)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, time.Hour, f.mr.TTL(credentialKey))
}

func TestConnectUsesJWTExpiry(t *testing.T) {
	f := newFixture(t)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}).SignedString([]byte("registry-key"))
	require.NoError(t, err)
	f.registry.token = signed

	require.NoError(t, f.client.Connect(context.Background()))

	ttl := f.mr.TTL(credentialKey)
	assert.Greater(t, ttl, 8*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)
}

func TestConnectRejected(t *testing.T) {
	f := newFixture(t)
	f.client.apiKey = "wrong"

	err := f.client.Connect(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusUnauthorized, remote.StatusCode)
	assert.Equal(t, "bad api key", remote.Message)
	assert.False(t, f.mr.Exists(credentialKey))
}

func TestSyncDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Sync(ctx, types.Device{ID: 2, DeviceID: "H002", AccountAddress: "0xb", TokenBalance: 7}, true))

	f.registry.devices = []any{
		map[string]any{"id": 1, "device_id": "H001", "connection_type": "Consumer", "account_address": "0xA", "status": "active"},
		map[string]any{"id": 2, "device_id": "H002", "connection_type": "Producer", "account_address": "0xb"},
		map[string]any{"id": 3, "device_id": "H003", "connection_type": "Battery", "account_address": "0xc"},
		map[string]any{"id": 4, "device_id": "H004", "connection_type": "Consumer"},
	}
	f.balances.balances[types.NormalizeAddress("0xa")] = 12
	f.balances.failing[types.NormalizeAddress("0xb")] = true

	n, err := f.client.SyncDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d1, err := f.store.FindByDeviceID(ctx, "H001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d1.ID)
	assert.Equal(t, types.ConnectionConsumer, d1.ConnectionType)
	assert.Equal(t, types.StatusInactive, d1.Status)
	assert.Equal(t, types.InstructionPersist, d1.Instruction)
	assert.Equal(t, int64(12), d1.TokenBalance)
	assert.Equal(t, types.NormalizeAddress("0xa"), d1.AccountAddress)

	d2, err := f.store.FindByDeviceID(ctx, "H002")
	require.NoError(t, err)
	assert.Equal(t, int64(7), d2.TokenBalance)

	_, err = f.store.FindByDeviceID(ctx, "H003")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.FindByDeviceID(ctx, "H004")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncDevicesKeepsLiveDeviceState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Sync(ctx, types.Device{ID: 1, DeviceID: "H001", AccountAddress: "0xa"}, true))
	require.NoError(t, f.store.SetStatus(ctx, "H001", types.StatusActive))
	require.NoError(t, f.store.SetInstruction(ctx, 1, types.InstructionToggle))

	f.registry.devices = []any{
		map[string]any{"id": 1, "device_id": "H001", "connection_type": "Consumer", "account_address": "0xa"},
		map[string]any{"id": 2, "device_id": "H002", "connection_type": "Producer", "account_address": "0xb"},
	}
	f.balances.balances[types.NormalizeAddress("0xa")] = 4

	n, err := f.client.SyncDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d1, err := f.store.FindByDeviceID(ctx, "H001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, d1.Status)
	assert.Equal(t, types.InstructionToggle, d1.Instruction)
	assert.Equal(t, int64(4), d1.TokenBalance)

	d2, err := f.store.FindByDeviceID(ctx, "H002")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, d2.Status)
	assert.Equal(t, types.InstructionPersist, d2.Instruction)

	require.NoError(t, f.client.ResetMirror(ctx))
	d1, err = f.store.FindByDeviceID(ctx, "H001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, d1.Status)
	assert.Equal(t, types.InstructionPersist, d1.Instruction)
}

func TestSyncDevicesConnectsWhenNoCredential(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.SyncDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.registry.connectCount())
}

func TestExpiredCredentialIsRefreshedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mr.Set(credentialKey, "stale"))
	f.registry.token = "tok-2"
	f.registry.validToken = "tok-2"

	_, err := f.client.SyncDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.registry.connectCount())

	token, err := f.mr.Get(credentialKey)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestRefreshFailureIsReturned(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mr.Set(credentialKey, "stale"))
	f.registry.connectCode = http.StatusServiceUnavailable

	_, err := f.client.SyncDevices(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "connect", remote.Op)
	assert.Equal(t, http.StatusServiceUnavailable, remote.StatusCode)
}

func TestStillUnauthorizedAfterRefresh(t *testing.T) {
	f := newFixture(t)
	f.registry.validToken = "never"

	err := f.client.ActivateDevice(context.Background(), "H001")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.Unauthorized())
	assert.Equal(t, 2, f.registry.connectCount())
}

func TestActivateAndDeactivateDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Sync(ctx, types.Device{ID: 1, DeviceID: "H001", Status: types.StatusInactive}, true))

	require.NoError(t, f.client.ActivateDevice(ctx, "H001"))
	d, err := f.store.FindByDeviceID(ctx, "H001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, d.Status)

	req, body := f.registry.last()
	assert.Equal(t, "/hubs/activate_device", req.URL.Path)
	assert.Equal(t, "H001", body["device_id"])

	require.NoError(t, f.client.DeactivateDevice(ctx, "H001"))
	d, err = f.store.FindByDeviceID(ctx, "H001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, d.Status)
}

func TestActivateFailureLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Sync(ctx, types.Device{ID: 1, DeviceID: "H001", Status: types.StatusInactive}, true))
	f.registry.activateErr = http.StatusNotFound

	err := f.client.ActivateDevice(ctx, "H001")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "device not registered", remote.Message)

	d, err := f.store.FindByDeviceID(ctx, "H001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, d.Status)
}

func TestShutdownMarksAllInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Sync(ctx, types.Device{ID: 1, DeviceID: "H001", Status: types.StatusActive}, true))
	require.NoError(t, f.store.Sync(ctx, types.Device{ID: 2, DeviceID: "H002", Status: types.StatusActive}, true))

	require.NoError(t, f.client.Shutdown(ctx))

	devices, err := f.store.List(ctx)
	require.NoError(t, err)
	for _, d := range devices {
		assert.Equal(t, types.StatusInactive, d.Status)
	}
}

func TestConsumeToken(t *testing.T) {
	f := newFixture(t)

	err := f.client.ConsumeToken(context.Background(), types.ConsumptionEvent{
		DeviceID:       "H001",
		TxHash:         "0xbeef",
		Balance:        4,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	req, body := f.registry.last()
	assert.Equal(t, "/hubs/token_consumption", req.URL.Path)
	assert.Equal(t, "key-1", req.Header.Get("Idempotency-Key"))
	assert.Equal(t, map[string]any{"device_id": "H001", "tx_hash": "0xbeef", "balance": float64(4)}, body)
}

func TestValidatorRejectsBadRecords(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateRecord([]byte(`{"id":1,"device_id":"H001","connection_type":"Producer","account_address":"0x1f"}`)))
	assert.Error(t, v.ValidateRecord([]byte(`{"id":"1","device_id":"H001","connection_type":"Producer","account_address":"0x1f"}`)))
	assert.Error(t, v.ValidateRecord([]byte(`{"id":1,"device_id":"H001","connection_type":"Producer","account_address":"1f"}`)))
	assert.Error(t, v.ValidateRecord([]byte(`not json`)))
}
