package bundle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

var ErrSimulationReverted = errors.New("bundle reverted in simulation")

// Relay is a private transaction relay
type Relay interface {
	Simulate(ctx context.Context, b *Bundle, stateBlock uint64) (*SimulationResult, error)
	Send(ctx context.Context, b *Bundle, targetBlock uint64, replacementID string) (*Submission, error)
	Cancel(ctx context.Context, replacementID string) error
}

type TxSimulation struct {
	TxHash  common.Hash `json:"txHash"`
	GasUsed uint64      `json:"gasUsed"`
	Error   string      `json:"error,omitempty"`
	Revert  string      `json:"revert,omitempty"`
}

type SimulationResult struct {
	BundleHash common.Hash `json:"bundleHash"`
	// wei, decimal string
	CoinbaseDiff string         `json:"coinbaseDiff"`
	TotalGasUsed uint64         `json:"totalGasUsed"`
	Results      []TxSimulation `json:"results"`
}

// Err reports the first failing transaction
func (r *SimulationResult) Err() error {
	for _, tx := range r.Results {
		if tx.Error != "" || tx.Revert != "" {
			return fmt.Errorf("%w: tx %s: %s%s", ErrSimulationReverted, tx.TxHash.Hex(), tx.Error, tx.Revert)
		}
	}
	return nil
}

type Submission struct {
	BundleHash common.Hash `json:"bundleHash"`
}

// FlashbotsRelay speaks the eth_callBundle / eth_sendBundle / eth_cancelBundle
// dialect, authenticating every request with the searcher reputation key
type FlashbotsRelay struct {
	rpc *rpc.Client
}

func DialFlashbots(ctx context.Context, url string, authKey *ecdsa.PrivateKey, timeout time.Duration) (*FlashbotsRelay, error) {
	if authKey == nil {
		return nil, errors.New("relay auth key not set")
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: &signingTransport{key: authKey, base: http.DefaultTransport},
	}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	return &FlashbotsRelay{rpc: client}, nil
}

func (r *FlashbotsRelay) Close() {
	r.rpc.Close()
}

type callBundleArgs struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber"`
}

type sendBundleArgs struct {
	Txs             []hexutil.Bytes `json:"txs"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	ReplacementUUID string          `json:"replacementUuid,omitempty"`
}

type cancelBundleArgs struct {
	ReplacementUUID string `json:"replacementUuid"`
}

// Simulate runs the bundle on top of stateBlock as if it were in the next one
func (r *FlashbotsRelay) Simulate(ctx context.Context, b *Bundle, stateBlock uint64) (*SimulationResult, error) {
	var res SimulationResult
	err := r.rpc.CallContext(ctx, &res, "eth_callBundle", callBundleArgs{
		Txs:              b.Raw,
		BlockNumber:      hexutil.Uint64(stateBlock + 1),
		StateBlockNumber: hexutil.EncodeUint64(stateBlock),
	})
	if err != nil {
		return nil, fmt.Errorf("eth_callBundle: %w", err)
	}
	if err := res.Err(); err != nil {
		return &res, err
	}
	return &res, nil
}

func (r *FlashbotsRelay) Send(ctx context.Context, b *Bundle, targetBlock uint64, replacementID string) (*Submission, error) {
	var sub Submission
	err := r.rpc.CallContext(ctx, &sub, "eth_sendBundle", sendBundleArgs{
		Txs:             b.Raw,
		BlockNumber:     hexutil.Uint64(targetBlock),
		ReplacementUUID: replacementID,
	})
	if err != nil {
		return nil, fmt.Errorf("eth_sendBundle: %w", err)
	}
	return &sub, nil
}

func (r *FlashbotsRelay) Cancel(ctx context.Context, replacementID string) error {
	var ignored interface{}
	if err := r.rpc.CallContext(ctx, &ignored, "eth_cancelBundle", cancelBundleArgs{ReplacementUUID: replacementID}); err != nil {
		return fmt.Errorf("eth_cancelBundle: %w", err)
	}
	return nil
}

// signingTransport adds X-Flashbots-Signature: <address>:<sig over keccak(body)>
type signingTransport struct {
	key  *ecdsa.PrivateKey
	base http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil {
		return t.base.RoundTrip(req)
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read relay request: %w", err)
	}

	sig, err := SignPayload(t.key, body)
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.Header.Set("X-Flashbots-Signature", sig)
	return t.base.RoundTrip(out)
}

func SignPayload(key *ecdsa.PrivateKey, body []byte) (string, error) {
	digest := crypto.Keccak256Hash(body).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(digest)), key)
	if err != nil {
		return "", fmt.Errorf("sign relay payload: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}
