package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"go.uber.org/zap"
)

type TransferEvent struct {
	From        string
	To          string
	Amount      *big.Int
	BlockNumber uint64
	TxHash      string
}

// AccountDirectory resolves ledger accounts to mirrored devices.
type AccountDirectory interface {
	FindByAccount(ctx context.Context, address string) (*types.Device, error)
	SetBalance(ctx context.Context, id int64, balance int64) error
}

func decodeTransfer(e Event) (TransferEvent, error) {
	if len(e.Keys) < 3 {
		return TransferEvent{}, fmt.Errorf("transfer event has %d keys", len(e.Keys))
	}
	amount, err := decodeUint256(e.Data)
	if err != nil {
		amount = new(big.Int)
	}
	return TransferEvent{
		From:        types.NormalizeAddress(e.Keys[1]),
		To:          types.NormalizeAddress(e.Keys[2]),
		Amount:      amount,
		BlockNumber: e.BlockNumber,
		TxHash:      e.TransactionHash,
	}, nil
}

// PollTransferEvents watches Transfer events and refreshes the balance of
// every mirrored device on either side. It returns when ctx is cancelled.
func (c *Client) PollTransferEvents(ctx context.Context, interval time.Duration, dir AccountDirectory) error {
	latest, err := c.node.BlockNumber(ctx)
	if err != nil {
		return &CallError{Op: "blockNumber", Err: err}
	}
	var lastChecked uint64
	if latest > 0 {
		lastChecked = latest - 1
	}

	c.logger.Info("Started polling for Transfer events", zap.Uint64("from_block", lastChecked+1))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Transfer event polling stopped")
			return nil
		case <-ticker.C:
		}

		next, err := c.pollOnce(ctx, lastChecked, dir)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Error polling transfer events", zap.Error(err))
			continue
		}
		lastChecked = next
	}
}

// pollOnce handles one batch after lastChecked and returns the new last
// checked block, which never moves backwards.
func (c *Client) pollOnce(ctx context.Context, lastChecked uint64, dir AccountDirectory) (uint64, error) {
	events, err := c.fetchTransfers(ctx, lastChecked+1)
	if err != nil {
		return lastChecked, err
	}

	for _, e := range events {
		transfer, err := decodeTransfer(e)
		if err != nil {
			c.logger.Warn("Skipping malformed transfer event", zap.Error(err))
			continue
		}
		c.handleTransfer(ctx, transfer, dir)
	}

	for _, e := range events {
		if e.BlockNumber > lastChecked {
			lastChecked = e.BlockNumber
		}
	}
	return lastChecked, nil
}

func (c *Client) fetchTransfers(ctx context.Context, fromBlock uint64) ([]Event, error) {
	filter := EventFilter{
		FromBlock: &BlockRef{BlockNumber: fromBlock},
		Address:   c.cfg.ContractAddress,
		Keys:      [][]string{{selectorTransfer}},
		ChunkSize: c.cfg.EventChunkSize,
	}

	var events []Event
	for {
		page, err := c.node.Events(ctx, filter)
		if err != nil {
			return nil, &CallError{Op: "getEvents", Err: err}
		}
		events = append(events, page.Events...)
		if page.ContinuationToken == "" {
			return events, nil
		}
		filter.ContinuationToken = page.ContinuationToken
	}
}

func (c *Client) handleTransfer(ctx context.Context, t TransferEvent, dir AccountDirectory) {
	var devices []types.Device
	var accounts []Account
	for _, addr := range []string{t.From, t.To} {
		d, err := dir.FindByAccount(ctx, addr)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("Failed to resolve transfer account", zap.String("account", addr), zap.Error(err))
			}
			continue
		}
		if len(devices) == 1 && devices[0].ID == d.ID {
			continue
		}
		devices = append(devices, *d)
		accounts = append(accounts, Account{Address: d.AccountAddress, Label: d.DeviceID})
	}
	if len(devices) == 0 {
		return
	}

	c.logger.Info("Transfer event detected",
		zap.String("from", t.From),
		zap.String("to", t.To),
		zap.String("amount", t.Amount.String()),
		zap.Uint64("block", t.BlockNumber))

	balances := c.GetBalances(ctx, accounts)
	for _, d := range devices {
		res := balances[d.AccountAddress]
		if res.Err != nil {
			continue
		}
		if err := dir.SetBalance(ctx, d.ID, res.Balance); err != nil {
			c.logger.Error("Failed to persist balance",
				zap.String("device_id", d.DeviceID),
				zap.Error(err))
			continue
		}
		c.logger.Info("Updated token balance",
			zap.String("device_id", d.DeviceID),
			zap.Int64("balance", res.Balance))
	}
}
