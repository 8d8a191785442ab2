// Package sideswap talks to the SideSwap dealer API over its WebSocket
// JSON-RPC endpoint. Responses are correlated to requests by id; server
// notifications are drained and discarded since the bridge only consumes
// request/response methods.
package sideswap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"pixbridge/internal/gateway"
)

const defaultQuoteTTL = 30 * time.Second

type Client struct {
	conn *websocket.Conn
	log  *logrus.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse

	closed chan struct{}
}

type rpcRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Dial connects, authenticates with the API key and starts the read loop.
func Dial(ctx context.Context, url, apiKey string, log *logrus.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sideswap: dial: %w", err)
	}

	c := &Client{
		conn:    conn,
		log:     log,
		pending: make(map[int64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	if _, err := c.call(ctx, "login", map[string]any{
		"api_key":    apiKey,
		"user-agent": "pixbridge",
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("sideswap: login: %w", err)
	}
	return c, nil
}

func (c *Client) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

// QuoteRate asks the dealer for a firm rate on converting fiatCents into the
// given asset.
func (c *Client) QuoteRate(ctx context.Context, fiatCents int64, assetHex string) (gateway.Quote, error) {
	result, err := c.call(ctx, "market", map[string]any{
		"quote": map[string]any{
			"send_amount": fiatCents,
			"recv_asset":  assetHex,
		},
	})
	if err != nil {
		return gateway.Quote{}, err
	}

	var payload struct {
		Quote struct {
			PriceInCents string `json:"price_in_cents"`
			TTLSeconds   int64  `json:"ttl"`
		} `json:"quote"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return gateway.Quote{}, fmt.Errorf("sideswap: decode quote: %w", err)
	}
	if payload.Quote.PriceInCents == "" {
		return gateway.Quote{}, errors.New("sideswap: missing quote in response")
	}

	rateVal, err := decimal.NewFromString(payload.Quote.PriceInCents)
	if err != nil {
		return gateway.Quote{}, fmt.Errorf("sideswap: bad price: %w", err)
	}

	ttl := defaultQuoteTTL
	if payload.Quote.TTLSeconds > 0 {
		ttl = time.Duration(payload.Quote.TTLSeconds) * time.Second
	}
	return gateway.Quote{Rate: rateVal, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		return nil, &gateway.TransientError{Err: err}
	}

	select {
	case <-ctx.Done():
		return nil, &gateway.TransientError{Err: ctx.Err()}
	case <-c.closed:
		return nil, &gateway.TransientError{Err: errors.New("sideswap: connection closed")}
	case resp := <-ch:
		if resp.Error != nil {
			if strings.Contains(strings.ToLower(resp.Error.Message), "liquidity") {
				return nil, gateway.ErrNoLiquidity
			}
			return nil, fmt.Errorf("sideswap: %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithError(err).Warn("sideswap read loop terminated")
			}
			return
		}
		if resp.ID == nil {
			// Server notification, nothing subscribes to these.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
