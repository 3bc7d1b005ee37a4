package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/metrics"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultReadTimeout    = 2 * time.Minute
	DefaultTipTimeout     = 500 * time.Millisecond
)

// Dialer opens the websocket; *websocket.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// FeeOracle suggests the priority fee attached to block events
type FeeOracle interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

type Config struct {
	URL            string
	Pending        bool
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
	// bound on the fee oracle call made for every head
	TipTimeout time.Duration
}

// Subscriber turns eth_subscribe notifications into Events and keeps the
// connection alive for as long as its context lives
type Subscriber struct {
	cfg         Config
	dialer      Dialer
	fees        FeeOracle
	nextBaseFee func(baseFee *big.Int, gasUsed, gasLimit uint64) *big.Int
	log         *zap.Logger
	metrics     *metrics.Recorder
}

func NewSubscriber(cfg Config, dialer Dialer, fees FeeOracle, logger *zap.Logger, rec *metrics.Recorder) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url not set")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.TipTimeout <= 0 {
		cfg.TipTimeout = DefaultTipTimeout
	}
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   1024 * 16,
			WriteBufferSize:  1024 * 16,
		}
	}
	return &Subscriber{
		cfg:         cfg,
		dialer:      dialer,
		fees:        fees,
		nextBaseFee: eth.NextBaseFee,
		log:         logger.Named("stream"),
		metrics:     rec,
	}, nil
}

// Run delivers events on out until ctx is done. Sends block, so a slow
// consumer slows the reader down instead of losing events
func (s *Subscriber) Run(ctx context.Context, out chan<- Event) error {
	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.StreamReconnect()
		s.log.Warn("stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", s.cfg.ReconnectDelay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type head struct {
	Number   *hexutil.Big   `json:"number"`
	BaseFee  *hexutil.Big   `json:"baseFeePerGas"`
	GasUsed  hexutil.Uint64 `json:"gasUsed"`
	GasLimit hexutil.Uint64 `json:"gasLimit"`
}

const (
	headsRequestID   = 1
	pendingRequestID = 2
)

func (s *Subscriber) session(ctx context.Context, out chan<- Event) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	// unblock ReadMessage when the caller goes away
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.subscribe(conn, headsRequestID, "newHeads"); err != nil {
		return err
	}
	if s.cfg.Pending {
		if err := s.subscribe(conn, pendingRequestID, "newPendingTransactions"); err != nil {
			return err
		}
	}
	s.log.Info("stream connected", zap.String("url", s.cfg.URL), zap.Bool("pending", s.cfg.Pending))

	kinds := make(map[string]Kind)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg message
		if err := sonnet.Unmarshal(data, &msg); err != nil {
			s.log.Debug("undecodable stream message", zap.Error(err))
			continue
		}

		if msg.Method == "" {
			if msg.Error != nil {
				return fmt.Errorf("subscribe request %d: %s", msg.ID, msg.Error.Message)
			}
			var id string
			if err := sonnet.Unmarshal(msg.Result, &id); err != nil {
				return fmt.Errorf("subscribe request %d: bad subscription id: %w", msg.ID, err)
			}
			switch msg.ID {
			case headsRequestID:
				kinds[id] = Block
			case pendingRequestID:
				kinds[id] = PendingTx
			}
			continue
		}

		kind, ok := kinds[msg.Params.Subscription]
		if !ok {
			continue
		}
		ev, err := s.decode(ctx, kind, msg.Params.Result)
		if err != nil {
			s.log.Debug("bad notification", zap.Stringer("kind", kind), zap.Error(err))
			continue
		}

		s.metrics.StreamEvent(kind.String())
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscriber) subscribe(conn *websocket.Conn, id uint64, topic string) error {
	req, err := sonnet.Marshal(subscribeRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "eth_subscribe",
		Params:  []interface{}{topic},
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (s *Subscriber) decode(ctx context.Context, kind Kind, raw json.RawMessage) (Event, error) {
	ev := Event{Kind: kind, Received: time.Now()}

	if kind == PendingTx {
		var hash common.Hash
		if err := sonnet.Unmarshal(raw, &hash); err != nil {
			return ev, err
		}
		ev.TxHash = hash
		return ev, nil
	}

	var h head
	if err := sonnet.Unmarshal(raw, &h); err != nil {
		return ev, err
	}
	if h.Number == nil || h.BaseFee == nil {
		return ev, errors.New("header without number or base fee")
	}
	ev.BlockNumber = h.Number.ToInt().Uint64()
	ev.BaseFee = h.BaseFee.ToInt()
	ev.NextBaseFee = s.nextBaseFee(ev.BaseFee, uint64(h.GasUsed), uint64(h.GasLimit))

	if s.fees != nil {
		// a slow node must not hold up the head; the event goes out without a tip
		tipCtx, cancel := context.WithTimeout(ctx, s.cfg.TipTimeout)
		tip, err := s.fees.SuggestGasTipCap(tipCtx)
		cancel()
		if err != nil {
			s.log.Debug("fee oracle failed", zap.Uint64("block", ev.BlockNumber), zap.Error(err))
		} else {
			ev.MaxPriorityFeePerGas = tip
			ev.MaxFeePerGas = new(big.Int).Add(ev.NextBaseFee, tip)
		}
	}
	return ev, nil
}
