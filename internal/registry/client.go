package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KevinKickass/EstateHub/internal/cache"
	"github.com/KevinKickass/EstateHub/internal/ledger"
	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Credentials caches the registry session token.
type Credentials interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, token string, ttl time.Duration) error
	Delete(ctx context.Context) error
}

// Balances reads ledger balances for a batch of accounts.
type Balances interface {
	GetBalances(ctx context.Context, accounts []ledger.Account) map[string]ledger.BalanceResult
}

type ClientConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	CredentialTTL time.Duration
}

// Client reconciles the hub's device mirror with the remote registry.
type Client struct {
	baseURL   string
	apiKey    string
	ttl       time.Duration
	http      *http.Client
	creds     Credentials
	store     storage.DeviceStore
	balances  Balances
	validator *Validator
	logger    *zap.Logger
}

func NewClient(cfg ClientConfig, creds Credentials, store storage.DeviceStore, balances Balances, logger *zap.Logger) (*Client, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = time.Hour
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		ttl:       cfg.CredentialTTL,
		http:      &http.Client{Timeout: cfg.Timeout},
		creds:     creds,
		store:     store,
		balances:  balances,
		validator: validator,
		logger:    logger.Named("registry"),
	}, nil
}

// Connect exchanges the hub API key for a session credential and caches it.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (string, error) {
	c.logger.Info("Fetching registry access token")

	query := url.Values{"api_key": {c.apiKey}}
	var token string
	if err := c.send(ctx, "connect", http.MethodPost, "/connect", query, nil, "", "", "access_token", &token); err != nil {
		return "", err
	}
	if token == "" {
		return "", &RemoteError{Op: "connect", Message: "empty access_token"}
	}

	ttl := c.tokenTTL(token)
	if err := c.creds.Set(ctx, token, ttl); err != nil {
		return "", fmt.Errorf("failed to cache registry credential: %w", err)
	}

	c.logger.Info("Registry access token retrieved", zap.Duration("ttl", ttl))
	return token, nil
}

// tokenTTL follows the token's exp claim when it is a JWT.
func (c *Client) tokenTTL(token string) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return c.ttl
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return c.ttl
	}
	ttl := time.Until(exp.Time)
	if ttl <= 0 {
		return c.ttl
	}
	return ttl
}

type deviceRecord struct {
	ID             int64                `json:"id"`
	DeviceID       string               `json:"device_id"`
	ConnectionType types.ConnectionType `json:"connection_type"`
	AccountAddress string               `json:"account_address"`
}

// SyncDevices pulls the roster and upserts it into the mirror. New devices
// start inactive with the persist instruction; known devices keep theirs so
// a sync never ends a running session or drops a pending toggle. The balance
// comes from the ledger, or stays what it was when the ledger read failed.
func (c *Client) SyncDevices(ctx context.Context) (int, error) {
	c.logger.Info("Synchronizing devices")

	var raw []json.RawMessage
	if err := c.authorized(ctx, "sync_devices", http.MethodGet, "/sync_devices", nil, "", "data", &raw); err != nil {
		return 0, err
	}

	records := make([]deviceRecord, 0, len(raw))
	for i, data := range raw {
		if err := c.validator.ValidateRecord(data); err != nil {
			c.logger.Warn("Skipping invalid device record", zap.Int("index", i), zap.Error(err))
			continue
		}
		var rec deviceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.logger.Warn("Skipping undecodable device record", zap.Int("index", i), zap.Error(err))
			continue
		}
		rec.AccountAddress = types.NormalizeAddress(rec.AccountAddress)
		records = append(records, rec)
	}

	ids := make([]string, 0, len(records))
	accounts := make([]ledger.Account, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.DeviceID)
		accounts = append(accounts, ledger.Account{Address: rec.AccountAddress, Label: rec.DeviceID})
	}
	c.logger.Info("Found devices", zap.Int("count", len(records)), zap.Strings("device_ids", ids))

	balances := c.balances.GetBalances(ctx, accounts)

	synced := 0
	for _, rec := range records {
		res, ok := balances[rec.AccountAddress]
		known := ok && res.Err == nil

		device := types.Device{
			ID:             rec.ID,
			DeviceID:       rec.DeviceID,
			ConnectionType: rec.ConnectionType,
			Status:         types.StatusInactive,
			Instruction:    types.InstructionPersist,
			AccountAddress: rec.AccountAddress,
			TokenBalance:   res.Balance,
		}
		if err := c.store.Sync(ctx, device, known); err != nil {
			return synced, fmt.Errorf("failed to sync device %s: %w", rec.DeviceID, err)
		}
		synced++
	}

	c.logger.Info("Device synchronization completed", zap.Int("synced", synced))
	return synced, nil
}

// ResetMirror marks every mirrored device inactive with the persist
// instruction. Run once before any session starts.
func (c *Client) ResetMirror(ctx context.Context) error {
	if err := c.store.ResetAll(ctx); err != nil {
		return fmt.Errorf("failed to reset device mirror: %w", err)
	}
	return nil
}

// Shutdown ends the hub session with the registry and marks every mirrored
// device inactive.
func (c *Client) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down registry session")

	var message string
	if err := c.authorized(ctx, "shutdown", http.MethodPost, "/shutdown", nil, "", "message", &message); err != nil {
		return err
	}
	if err := c.store.SetAllInactive(ctx); err != nil {
		return fmt.Errorf("failed to mark devices inactive: %w", err)
	}

	c.logger.Info("Registry session closed", zap.String("message", message))
	return nil
}

func (c *Client) ActivateDevice(ctx context.Context, deviceID string) error {
	return c.setDeviceStatus(ctx, "activate_device", deviceID, types.StatusActive)
}

func (c *Client) DeactivateDevice(ctx context.Context, deviceID string) error {
	return c.setDeviceStatus(ctx, "deactivate_device", deviceID, types.StatusInactive)
}

func (c *Client) setDeviceStatus(ctx context.Context, op, deviceID string, status types.DeviceStatus) error {
	c.logger.Info("Updating device status", zap.String("op", op), zap.String("device_id", deviceID))

	var message string
	body := map[string]string{"device_id": deviceID}
	if err := c.authorized(ctx, op, http.MethodPost, "/"+op, body, "", "message", &message); err != nil {
		return err
	}
	if err := c.store.SetStatus(ctx, deviceID, status); err != nil {
		return fmt.Errorf("failed to store device status: %w", err)
	}

	c.logger.Info("Device status updated",
		zap.String("device_id", deviceID),
		zap.String("status", string(status)),
		zap.String("message", message))
	return nil
}

// ConsumeToken notifies the registry of a consumed token.
func (c *Client) ConsumeToken(ctx context.Context, event types.ConsumptionEvent) error {
	c.logger.Info("Reporting token consumption",
		zap.String("device_id", event.DeviceID),
		zap.String("tx_hash", event.TxHash),
		zap.Int64("balance", event.Balance))

	var message string
	if err := c.authorized(ctx, "token_consumption", http.MethodPost, "/token_consumption", event, event.IdempotencyKey, "message", &message); err != nil {
		c.logger.Error("Failed to report token consumption",
			zap.String("device_id", event.DeviceID),
			zap.Error(err))
		return err
	}
	return nil
}

// authorized sends a request with the cached credential. A 401/403 drops the
// credential, reconnects and retries once.
func (c *Client) authorized(ctx context.Context, op, method, path string, body any, idempotencyKey, field string, out any) error {
	token, err := c.creds.Get(ctx)
	if errors.Is(err, cache.ErrNoCredential) {
		token, err = c.connect(ctx)
	}
	if err != nil {
		return err
	}

	err = c.send(ctx, op, method, path, nil, body, token, idempotencyKey, field, out)
	var remote *RemoteError
	if !errors.As(err, &remote) || !remote.Unauthorized() {
		return err
	}

	c.logger.Warn("Registry rejected credential, reconnecting", zap.String("op", op), zap.Int("status", remote.StatusCode))
	if err := c.creds.Delete(ctx); err != nil {
		c.logger.Warn("Failed to drop registry credential", zap.Error(err))
	}
	token, err = c.connect(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, op, method, path, nil, body, token, idempotencyKey, field, out)
}

func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body any, token, idempotencyKey, field string, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &RemoteError{Op: op, Message: "failed to encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &RemoteError{Op: op, Message: "failed to build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: errorDetail(data)}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return &RemoteError{Op: op, Message: "response is not valid JSON", Err: err}
	}
	value, ok := envelope[field]
	if !ok || string(value) == "null" {
		return &RemoteError{Op: op, Message: fmt.Sprintf("key %q not found in response", field)}
	}
	if err := json.Unmarshal(value, out); err != nil {
		return &RemoteError{Op: op, Message: fmt.Sprintf("unexpected %q value", field), Err: err}
	}
	return nil
}

func errorDetail(body []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(payload.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(body))
}
