package stream

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	headsSub   = "0xaaaa"
	pendingSub = "0xbbbb"
)

// fakeNode answers eth_subscribe and pushes one head (and one pending tx when
// asked) per connection, then drops the connection if closeAfter is set
type fakeNode struct {
	upgrader    websocket.Upgrader
	connections atomic.Int32
	closeAfter  bool
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	num := n.connections.Add(1)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		sub := headsSub
		if req.Params[0] == "newPendingTransactions" {
			sub = pendingSub
		}
		reply, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": sub})
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}

		var result interface{}
		if sub == headsSub {
			result = map[string]string{
				"number":        "0x" + big.NewInt(int64(100+num)).Text(16),
				"baseFeePerGas": "0x3b9aca00",
				"gasUsed":       "0xe4e1c0",
				"gasLimit":      "0x1c9c380",
			}
		} else {
			result = common.HexToHash("0x1234").Hex()
		}
		note, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params":  map[string]interface{}{"subscription": sub, "result": result},
		})
		if err := conn.WriteMessage(websocket.TextMessage, note); err != nil {
			return
		}
		if n.closeAfter {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type fixedTip struct{}

func (fixedTip) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

// stalledTip never answers before its context ends
type stalledTip struct{}

func (stalledTip) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestSubscriberDeliversBlocksAndPending(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node)
	defer srv.Close()

	s, err := NewSubscriber(Config{URL: wsURL(srv), Pending: true}, nil, fixedTip{}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 4)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, out) }()

	var block, pending Event
	for i := 0; i < 2; i++ {
		ev := next(t, out)
		if ev.Kind == Block {
			block = ev
		} else {
			pending = ev
		}
	}

	assert.Equal(t, uint64(101), block.BlockNumber)
	assert.Equal(t, big.NewInt(1_000_000_000), block.BaseFee)
	// gas used equals the target, so only jitter moves the next base fee
	assert.GreaterOrEqual(t, block.NextBaseFee.Int64(), int64(1_000_000_000))
	assert.LessOrEqual(t, block.NextBaseFee.Int64(), int64(1_000_000_009))
	assert.Equal(t, big.NewInt(2_000_000_000), block.MaxPriorityFeePerGas)
	assert.Equal(t, new(big.Int).Add(block.NextBaseFee, big.NewInt(2_000_000_000)), block.MaxFeePerGas)

	assert.Equal(t, PendingTx, pending.Kind)
	assert.Equal(t, common.HexToHash("0x1234"), pending.TxHash)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSubscriberReconnects(t *testing.T) {
	node := &fakeNode{closeAfter: true}
	srv := httptest.NewServer(node)
	defer srv.Close()

	s, err := NewSubscriber(Config{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond}, nil, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, out) }()

	first := next(t, out)
	second := next(t, out)
	assert.Equal(t, uint64(101), first.BlockNumber)
	assert.Equal(t, uint64(102), second.BlockNumber)
	assert.Nil(t, first.MaxPriorityFeePerGas)
	assert.GreaterOrEqual(t, node.connections.Load(), int32(2))

	cancel()
	<-errc
}

func TestSubscriberRetriesFailedDial(t *testing.T) {
	s, err := NewSubscriber(Config{URL: "ws://127.0.0.1:1", ReconnectDelay: 5 * time.Millisecond}, nil, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Run(ctx, make(chan Event))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSubscriberRequiresURL(t *testing.T) {
	_, err := NewSubscriber(Config{}, nil, nil, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}

func TestSubscriberDoesNotWaitOnSlowFeeOracle(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{})
	defer srv.Close()

	s, err := NewSubscriber(Config{URL: wsURL(srv), TipTimeout: 20 * time.Millisecond}, nil, stalledTip{}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 1)
	go func() { _ = s.Run(ctx, out) }()

	start := time.Now()
	ev := next(t, out)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Block, ev.Kind)
	assert.NotNil(t, ev.NextBaseFee)
	assert.Nil(t, ev.MaxPriorityFeePerGas)
	assert.Nil(t, ev.MaxFeePerGas)
}
