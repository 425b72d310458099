package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NethermindEth/starknet.go/rpc"
	"github.com/NethermindEth/starknet.go/utils"
)

type FunctionCall struct {
	ContractAddress    string
	EntryPointSelector string
	Calldata           []string
}

type BlockRef struct {
	BlockNumber uint64
}

// EventFilter always reads up to the latest block.
type EventFilter struct {
	FromBlock         *BlockRef
	Address           string
	Keys              [][]string
	ChunkSize         int
	ContinuationToken string
}

type Event struct {
	FromAddress     string
	Keys            []string
	Data            []string
	BlockNumber     uint64
	TransactionHash string
}

type EventsPage struct {
	Events            []Event
	ContinuationToken string
}

type Receipt struct {
	TransactionHash string
	FinalityStatus  string
	ExecutionStatus string
	RevertReason    string
}

// Node is the read side of the ledger.
type Node interface {
	Call(ctx context.Context, call FunctionCall) ([]string, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Events(ctx context.Context, filter EventFilter) (*EventsPage, error)
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
}

var latestBlock = rpc.BlockID{Tag: "latest"}

// StarknetNode is a Node backed by a Starknet JSON-RPC provider.
type StarknetNode struct {
	provider *rpc.Provider
	timeout  time.Duration
}

func NewStarknetNode(url string, timeout time.Duration) (*StarknetNode, error) {
	provider, err := rpc.NewProvider(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create starknet provider: %w", err)
	}
	return &StarknetNode{provider: provider, timeout: timeout}, nil
}

func (n *StarknetNode) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.timeout)
}

func (n *StarknetNode) Call(ctx context.Context, call FunctionCall) ([]string, error) {
	contract, err := utils.HexToFelt(call.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid contract address: %w", err)
	}
	selector, err := utils.HexToFelt(call.EntryPointSelector)
	if err != nil {
		return nil, fmt.Errorf("invalid entry point selector: %w", err)
	}
	calldata, err := utils.HexArrToFelt(call.Calldata)
	if err != nil {
		return nil, fmt.Errorf("invalid calldata: %w", err)
	}

	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	out, err := n.provider.Call(ctx, rpc.FunctionCall{
		ContractAddress:    contract,
		EntryPointSelector: selector,
		Calldata:           calldata,
	}, latestBlock)
	if err != nil {
		return nil, err
	}
	return hexes(out), nil
}

func (n *StarknetNode) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	return n.provider.BlockNumber(ctx)
}

func (n *StarknetNode) Events(ctx context.Context, filter EventFilter) (*EventsPage, error) {
	input := rpc.EventsInput{
		EventFilter: rpc.EventFilter{ToBlock: latestBlock},
		ResultPageRequest: rpc.ResultPageRequest{
			ContinuationToken: filter.ContinuationToken,
			ChunkSize:         filter.ChunkSize,
		},
	}
	if filter.FromBlock != nil {
		from := filter.FromBlock.BlockNumber
		input.FromBlock = rpc.BlockID{Number: &from}
	}
	if filter.Address != "" {
		address, err := utils.HexToFelt(filter.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid event address: %w", err)
		}
		input.Address = address
	}
	for _, group := range filter.Keys {
		keys, err := utils.HexArrToFelt(group)
		if err != nil {
			return nil, fmt.Errorf("invalid event keys: %w", err)
		}
		input.Keys = append(input.Keys, keys)
	}

	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	chunk, err := n.provider.Events(ctx, input)
	if err != nil {
		return nil, err
	}

	page := &EventsPage{ContinuationToken: chunk.ContinuationToken}
	for _, e := range chunk.Events {
		event := Event{
			Keys:        hexes(e.Keys),
			Data:        hexes(e.Data),
			BlockNumber: e.BlockNumber,
		}
		if e.FromAddress != nil {
			event.FromAddress = e.FromAddress.String()
		}
		if e.TransactionHash != nil {
			event.TransactionHash = e.TransactionHash.String()
		}
		page.Events = append(page.Events, event)
	}
	return page, nil
}

func (n *StarknetNode) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash, err := utils.HexToFelt(txHash)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hash: %w", err)
	}

	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	r, err := n.provider.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		TransactionHash: txHash,
		FinalityStatus:  string(r.FinalityStatus),
		ExecutionStatus: string(r.ExecutionStatus),
		RevertReason:    r.RevertReason,
	}, nil
}

// isPendingReceipt reports the node's "transaction hash not found" error,
// which it returns until it has seen the transaction.
func isPendingReceipt(err error) bool {
	var rpcErr *rpc.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == rpc.ErrHashNotFound.Code
}
