package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type InvokeRequest struct {
	ContractAddress string   `json:"contract_address"`
	EntryPoint      string   `json:"entry_point"`
	Calldata        []string `json:"calldata"`
}

// Invoker submits signed transactions and returns their hash.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest, idempotencyKey string) (string, error)
}

// RelayerInvoker hands invocations to a signing relayer over HTTP. The hub
// never holds the account key.
type RelayerInvoker struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewRelayerInvoker(url, apiKey string, timeout time.Duration) *RelayerInvoker {
	return &RelayerInvoker{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

func (r *RelayerInvoker) Invoke(ctx context.Context, invoke InvokeRequest, idempotencyKey string) (string, error) {
	body, err := json.Marshal(invoke)
	if err != nil {
		return "", fmt.Errorf("failed to encode invoke: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("relayer returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		TransactionHash string `json:"transaction_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode invoke response: %w", err)
	}
	if out.TransactionHash == "" {
		return "", fmt.Errorf("relayer response missing transaction_hash")
	}
	return out.TransactionHash, nil
}
