package sideswap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pixbridge/internal/gateway"
)

// dealerStub answers login and serves market responses from the handler.
func dealerStub(t *testing.T, onMarket func(id int64, params json.RawMessage) any) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "login":
				_ = conn.WriteJSON(map[string]any{"id": req.ID, "result": map[string]any{}})
			case "market":
				_ = conn.WriteJSON(onMarket(req.ID, req.Params))
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestQuoteRate(t *testing.T) {
	srv := dealerStub(t, func(id int64, params json.RawMessage) any {
		var p struct {
			Quote struct {
				SendAmount int64  `json:"send_amount"`
				RecvAsset  string `json:"recv_asset"`
			} `json:"quote"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		require.Equal(t, int64(10000), p.Quote.SendAmount)
		require.NotEmpty(t, p.Quote.RecvAsset)

		return map[string]any{
			"id": id,
			"result": map[string]any{
				"quote": map[string]any{"price_in_cents": "97.5", "ttl": 20},
			},
		}
	})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "api-key", newTestLogger())
	require.NoError(t, err)
	defer c.Close()

	quote, err := c.QuoteRate(context.Background(), 10000, "assethex")
	require.NoError(t, err)
	require.Equal(t, "97.5", quote.Rate.String())
	require.WithinDuration(t, time.Now().Add(20*time.Second), quote.ExpiresAt, 2*time.Second)
}

func TestQuoteRateNoLiquidity(t *testing.T) {
	srv := dealerStub(t, func(id int64, _ json.RawMessage) any {
		return map[string]any{
			"id":    id,
			"error": map[string]any{"code": 42, "message": "not enough liquidity for pair"},
		}
	})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "api-key", newTestLogger())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.QuoteRate(context.Background(), 10000, "assethex")
	require.ErrorIs(t, err, gateway.ErrNoLiquidity)
}

func TestQuoteRateDealerError(t *testing.T) {
	srv := dealerStub(t, func(id int64, _ json.RawMessage) any {
		return map[string]any{
			"id":    id,
			"error": map[string]any{"code": 1, "message": "malformed params"},
		}
	})
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "api-key", newTestLogger())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.QuoteRate(context.Background(), 10000, "assethex")
	require.Error(t, err)
	require.NotErrorIs(t, err, gateway.ErrNoLiquidity)
}

func TestCallCancelledContext(t *testing.T) {
	block := make(chan struct{})
	srv := dealerStub(t, func(id int64, _ json.RawMessage) any {
		<-block
		return map[string]any{"id": id, "result": map[string]any{}}
	})
	defer srv.Close()
	defer close(block)

	c, err := Dial(context.Background(), wsURL(srv), "api-key", newTestLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.QuoteRate(ctx, 10000, "assethex")
	require.Error(t, err)
	require.True(t, gateway.IsTransient(err))
}

func TestNotificationsAreIgnored(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req rpcRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			// A notification with no id lands before every response.
			_ = conn.WriteJSON(map[string]any{"method": "server_status", "params": map[string]any{}})
			switch req.Method {
			case "login":
				_ = conn.WriteJSON(map[string]any{"id": req.ID, "result": map[string]any{}})
			case "market":
				_ = conn.WriteJSON(map[string]any{
					"id":     req.ID,
					"result": map[string]any{"quote": map[string]any{"price_in_cents": "100", "ttl": 30}},
				})
			}
		}
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), "api-key", newTestLogger())
	require.NoError(t, err)
	defer c.Close()

	quote, err := c.QuoteRate(context.Background(), 10000, "assethex")
	require.NoError(t, err)
	require.Equal(t, "100", quote.Rate.String())
}
