package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/EstateHub/internal/types"
	"go.uber.org/zap"
)

var (
	selectorBalanceOf = Selector("balanceOf")
	selectorTransfer  = Selector("Transfer")
)

const (
	finalityAcceptedL2 = "ACCEPTED_ON_L2"
	finalityAcceptedL1 = "ACCEPTED_ON_L1"
	executionReverted  = "REVERTED"
)

// CallError wraps a failed ledger operation.
type CallError struct {
	Op      string
	Address string
	Err     error
}

func (e *CallError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s for %s failed: %v", e.Op, e.Address, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

type Account struct {
	Address string
	Label   string
}

// BalanceResult is one entry of GetBalances: a balance or the error that
// prevented reading it.
type BalanceResult struct {
	Balance int64
	Err     error
}

type ClientConfig struct {
	ContractAddress   string
	CallTimeout       time.Duration
	AcceptanceTimeout time.Duration
	ReceiptInterval   time.Duration
	EventChunkSize    int
}

type Client struct {
	node    Node
	invoker Invoker
	cfg     ClientConfig
	logger  *zap.Logger
}

func NewClient(node Node, invoker Invoker, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.AcceptanceTimeout <= 0 {
		cfg.AcceptanceTimeout = 5 * time.Minute
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = 5 * time.Second
	}
	if cfg.EventChunkSize <= 0 {
		cfg.EventChunkSize = 100
	}
	cfg.ContractAddress = types.NormalizeAddress(cfg.ContractAddress)

	return &Client{
		node:    node,
		invoker: invoker,
		cfg:     cfg,
		logger:  logger.Named("ledger"),
	}
}

func (c *Client) BalanceOf(ctx context.Context, address string) (int64, error) {
	address = types.NormalizeAddress(address)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	out, err := c.node.Call(ctx, FunctionCall{
		ContractAddress:    c.cfg.ContractAddress,
		EntryPointSelector: selectorBalanceOf,
		Calldata:           []string{address},
	})
	if err != nil {
		return 0, &CallError{Op: "balanceOf", Address: address, Err: err}
	}

	v, err := decodeUint256(out)
	if err != nil {
		return 0, &CallError{Op: "balanceOf", Address: address, Err: err}
	}
	balance, err := toInt64(v)
	if err != nil {
		return 0, &CallError{Op: "balanceOf", Address: address, Err: err}
	}
	return balance, nil
}

// Consume burns one token from address and waits until the transaction is
// accepted. The idempotency key lets the relayer collapse resubmissions.
func (c *Client) Consume(ctx context.Context, address, idempotencyKey string) (string, error) {
	address = types.NormalizeAddress(address)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	txHash, err := c.invoker.Invoke(callCtx, InvokeRequest{
		ContractAddress: c.cfg.ContractAddress,
		EntryPoint:      "consume",
		// account, amount as uint256 [low, high]
		Calldata: []string{address, "0x1", "0x0"},
	}, idempotencyKey)
	cancel()
	if err != nil {
		return "", &CallError{Op: "consume", Address: address, Err: err}
	}

	if err := c.waitForAcceptance(ctx, txHash); err != nil {
		return "", &CallError{Op: "consume", Address: address, Err: err}
	}

	c.logger.Info("Token consumed",
		zap.String("account", address),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

func (c *Client) waitForAcceptance(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AcceptanceTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.node.Receipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.ExecutionStatus == executionReverted {
				return fmt.Errorf("transaction %s reverted: %s", txHash, receipt.RevertReason)
			}
			if receipt.FinalityStatus == finalityAcceptedL2 || receipt.FinalityStatus == finalityAcceptedL1 {
				return nil
			}
		case isPendingReceipt(err):
		default:
			return fmt.Errorf("failed to fetch receipt for %s: %w", txHash, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction %s not accepted: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetBalances reads every account concurrently. Each input address appears
// exactly once in the result, with either a balance or an error.
func (c *Client) GetBalances(ctx context.Context, accounts []Account) map[string]BalanceResult {
	results := make(map[string]BalanceResult, len(accounts))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, acc := range accounts {
		mu.Lock()
		_, dup := results[acc.Address]
		if !dup {
			results[acc.Address] = BalanceResult{Err: errors.New("balance not fetched")}
		}
		mu.Unlock()
		if dup {
			continue
		}

		wg.Add(1)
		go func(acc Account) {
			defer wg.Done()
			balance, err := c.BalanceOf(ctx, acc.Address)
			if err != nil {
				c.logger.Warn("Failed to fetch balance",
					zap.String("account", acc.Address),
					zap.String("label", acc.Label),
					zap.Error(err))
			}

			mu.Lock()
			results[acc.Address] = BalanceResult{Balance: balance, Err: err}
			mu.Unlock()
		}(acc)
	}

	wg.Wait()
	return results
}
