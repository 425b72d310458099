package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/NethermindEth/starknet.go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNode struct {
	mu        sync.Mutex
	balances  map[string][]string
	failing   map[string]error
	block     uint64
	pages     []*EventsPage
	filters   []EventFilter
	receipts  []*Receipt
	receiptEr []error
}

func (n *fakeNode) Call(ctx context.Context, call FunctionCall) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := call.Calldata[0]
	if err := n.failing[addr]; err != nil {
		return nil, err
	}
	if v, ok := n.balances[addr]; ok {
		return v, nil
	}
	return []string{"0x0", "0x0"}, nil
}

func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.block, nil
}

func (n *fakeNode) Events(ctx context.Context, filter EventFilter) (*EventsPage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters = append(n.filters, filter)
	if len(n.pages) == 0 {
		return &EventsPage{}, nil
	}
	page := n.pages[0]
	n.pages = n.pages[1:]
	return page, nil
}

func (n *fakeNode) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.receipts) == 0 {
		return &Receipt{FinalityStatus: finalityAcceptedL2}, nil
	}
	r, err := n.receipts[0], n.receiptEr[0]
	n.receipts, n.receiptEr = n.receipts[1:], n.receiptEr[1:]
	return r, err
}

type fakeInvoker struct {
	hash string
	err  error
	keys []string
	reqs []InvokeRequest
}

func (i *fakeInvoker) Invoke(ctx context.Context, req InvokeRequest, key string) (string, error) {
	i.reqs = append(i.reqs, req)
	i.keys = append(i.keys, key)
	return i.hash, i.err
}

func addr(s string) string { return types.NormalizeAddress(s) }

func newTestClient(node Node, inv Invoker) *Client {
	return NewClient(node, inv, ClientConfig{
		ContractAddress: "0x5c7",
		CallTimeout:     time.Second,
		ReceiptInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestSelectorIsMaskedAndStable(t *testing.T) {
	s := Selector("balanceOf")
	assert.Equal(t, s, Selector("balanceOf"))
	assert.NotEqual(t, s, Selector("Transfer"))

	v, err := parseFelt(s)
	require.NoError(t, err)
	assert.LessOrEqual(t, v.BitLen(), 250)
}

func TestDecodeUint256(t *testing.T) {
	v, err := decodeUint256([]string{"0x5", "0x1"})
	require.NoError(t, err)
	want := new(big.Int).Add(big.NewInt(5), new(big.Int).Lsh(big.NewInt(1), 128))
	assert.Equal(t, 0, want.Cmp(v))

	v, err = decodeUint256([]string{"0x2a"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())

	_, err = decodeUint256([]string{"0xzz"})
	assert.Error(t, err)
}

func TestBalanceOf(t *testing.T) {
	node := &fakeNode{balances: map[string][]string{addr("0xa"): {"0x64", "0x0"}}}
	c := newTestClient(node, nil)

	balance, err := c.BalanceOf(context.Background(), "0xa")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestBalanceOfOutOfRange(t *testing.T) {
	node := &fakeNode{balances: map[string][]string{addr("0xa"): {"0x0", "0x1"}}}
	c := newTestClient(node, nil)

	_, err := c.BalanceOf(context.Background(), "0xa")
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "balanceOf", callErr.Op)
}

func TestGetBalancesIsTotal(t *testing.T) {
	boom := errors.New("node unavailable")
	node := &fakeNode{
		balances: map[string][]string{
			addr("0x1"): {"0xa", "0x0"},
			addr("0x3"): {"0x1e", "0x0"},
		},
		failing: map[string]error{addr("0x2"): boom},
	}
	c := newTestClient(node, nil)

	accounts := []Account{
		{Address: addr("0x1"), Label: "H001"},
		{Address: addr("0x2"), Label: "H002"},
		{Address: addr("0x3"), Label: "H003"},
		{Address: addr("0x1"), Label: "H001-dup"},
	}
	results := c.GetBalances(context.Background(), accounts)

	require.Len(t, results, 3)
	assert.Equal(t, BalanceResult{Balance: 10}, results[addr("0x1")])
	assert.Equal(t, int64(30), results[addr("0x3")].Balance)
	assert.NoError(t, results[addr("0x3")].Err)
	assert.ErrorIs(t, results[addr("0x2")].Err, boom)
}

func TestConsumeWaitsForAcceptance(t *testing.T) {
	node := &fakeNode{
		receipts:  []*Receipt{nil, {FinalityStatus: "RECEIVED"}, {FinalityStatus: finalityAcceptedL2, ExecutionStatus: "SUCCEEDED"}},
		receiptEr: []error{rpc.ErrHashNotFound, nil, nil},
	}
	inv := &fakeInvoker{hash: "0xbeef"}
	c := newTestClient(node, inv)

	tx, err := c.Consume(context.Background(), "0xa", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "0xbeef", tx)

	require.Len(t, inv.reqs, 1)
	assert.Equal(t, "consume", inv.reqs[0].EntryPoint)
	assert.Equal(t, []string{addr("0xa"), "0x1", "0x0"}, inv.reqs[0].Calldata)
	assert.Equal(t, []string{"key-1"}, inv.keys)
	assert.Empty(t, node.receipts)
}

func TestConsumeReverted(t *testing.T) {
	node := &fakeNode{
		receipts:  []*Receipt{{FinalityStatus: finalityAcceptedL2, ExecutionStatus: executionReverted, RevertReason: "insufficient balance"}},
		receiptEr: []error{nil},
	}
	c := newTestClient(node, &fakeInvoker{hash: "0xbeef"})

	_, err := c.Consume(context.Background(), "0xa", "key-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}

func TestConsumeInvokeFailure(t *testing.T) {
	boom := errors.New("relayer down")
	c := newTestClient(&fakeNode{}, &fakeInvoker{err: boom})

	_, err := c.Consume(context.Background(), "0xa", "key-1")
	assert.ErrorIs(t, err, boom)
}

func transferEvent(block uint64, from, to string) Event {
	return Event{
		Keys:        []string{selectorTransfer, from, to},
		Data:        []string{"0x1", "0x0"},
		BlockNumber: block,
	}
}

func TestPollOnceRefreshesMatchingDevices(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Sync(ctx, types.Device{ID: 1, DeviceID: "H001", AccountAddress: "0xa", TokenBalance: 5}, true))
	require.NoError(t, store.Sync(ctx, types.Device{ID: 2, DeviceID: "H002", AccountAddress: "0xb", TokenBalance: 5}, true))

	node := &fakeNode{
		balances: map[string][]string{addr("0xa"): {"0x4", "0x0"}, addr("0xb"): {"0x6", "0x0"}},
		pages: []*EventsPage{
			{Events: []Event{transferEvent(12, "0xa", "0xdead")}, ContinuationToken: "next"},
			{Events: []Event{transferEvent(11, "0xdead", "0xb"), {Keys: []string{selectorTransfer}, BlockNumber: 13}}},
		},
	}
	c := newTestClient(node, nil)

	last, err := c.pollOnce(ctx, 10, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), last)

	require.Len(t, node.filters, 2)
	assert.Equal(t, uint64(11), node.filters[0].FromBlock.BlockNumber)
	assert.Equal(t, "next", node.filters[1].ContinuationToken)

	d, err := store.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), d.TokenBalance)
	d, err = store.FindByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), d.TokenBalance)
}

func TestPollOnceNeverMovesBackwards(t *testing.T) {
	node := &fakeNode{pages: []*EventsPage{{Events: []Event{transferEvent(3, "0x1", "0x2")}}}}
	c := newTestClient(node, nil)

	last, err := c.pollOnce(context.Background(), 20, storage.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), last)

	last, err = c.pollOnce(context.Background(), last, storage.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), last)
}

func TestPollTransferEventsStopsOnCancel(t *testing.T) {
	node := &fakeNode{block: 100}
	c := newTestClient(node, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.PollTransferEvents(ctx, 5*time.Millisecond, storage.NewMemoryStore()) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	require.NotEmpty(t, node.filters)
	assert.Equal(t, uint64(100), node.filters[0].FromBlock.BlockNumber)
}

func TestStarknetNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Method  string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)

		reply := func(body string) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,%s}`, req.ID, body)
		}
		switch req.Method {
		case "starknet_blockNumber":
			reply(`"result":812`)
		case "starknet_call":
			reply(`"result":["0x64","0x0"]`)
		default:
			reply(`"error":{"code":29,"message":"Transaction hash not found"}`)
		}
	}))
	defer srv.Close()

	node, err := NewStarknetNode(srv.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	n, err := node.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(812), n)

	out, err := node.Call(ctx, FunctionCall{ContractAddress: "0x1", EntryPointSelector: selectorBalanceOf, Calldata: []string{"0x2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"0x64", "0x0"}, out)

	_, err = node.Receipt(ctx, "0xbeef")
	assert.True(t, isPendingReceipt(err))
}

func TestRelayerInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoke", r.URL.Path)
		assert.Equal(t, "Bearer relay-key", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var req InvokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "consume", req.EntryPoint)
		w.Write([]byte(`{"transaction_hash":"0xbeef"}`))
	}))
	defer srv.Close()

	inv := NewRelayerInvoker(srv.URL+"/", "relay-key", time.Second)
	tx, err := inv.Invoke(context.Background(), InvokeRequest{EntryPoint: "consume"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "0xbeef", tx)
}

func TestRelayerInvokerRejectsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no funds", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRelayerInvoker(srv.URL, "", time.Second).Invoke(context.Background(), InvokeRequest{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
