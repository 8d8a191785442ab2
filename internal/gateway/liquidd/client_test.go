package liquidd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"pixbridge/internal/gateway"
)

func TestBroadcast(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/broadcast", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"txid":"liquid-tx-1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	txID, err := c.Broadcast(context.Background(), gateway.BroadcastRequest{
		Ref:      "ref-1",
		AssetHex: "02f22f8d9c76ab24661d774b9c6ca9dae6b57a5a2b8bb0f357e262103b1ac7f5",
		Recipients: []gateway.Recipient{
			{Address: "lq1dest", Amount: 9650},
			{Address: "lq1referrer", Amount: 50},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "liquid-tx-1", txID)

	require.Equal(t, "ref-1", gotBody["ref"])
	recipients, ok := gotBody["recipients"].([]any)
	require.True(t, ok)
	require.Len(t, recipients, 2)
	first := recipients[0].(map[string]any)
	require.Equal(t, "lq1dest", first["address"])
	require.Equal(t, float64(9650), first["satoshi"])
}

func TestBroadcastRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"insufficient funds"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Broadcast(context.Background(), gateway.BroadcastRequest{Ref: "ref-1"})

	var rejection *gateway.RejectionError
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "insufficient funds", rejection.Reason)
}

func TestBroadcastServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Broadcast(context.Background(), gateway.BroadcastRequest{Ref: "ref-1"})
	require.True(t, gateway.IsTransient(err))
}

func TestNewAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/address", r.URL.Path)
		w.Write([]byte(`{"address":"lq1newaddr"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	addr, err := c.NewAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, "lq1newaddr", addr)
}

func TestConfirmations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tx/liquid-tx-1", r.URL.Path)
		w.Write([]byte(`{"confirmations":3}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	depth, err := c.Confirmations(context.Background(), "liquid-tx-1")
	require.NoError(t, err)
	require.Equal(t, 3, depth)
}

func TestFindByRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/broadcast/known":
			w.Write([]byte(`{"txid":"liquid-tx-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)

	txID, found, err := c.FindByRef(context.Background(), "known")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "liquid-tx-1", txID)

	// 404 is a definite answer, not an error: the broadcast never happened.
	_, found, err = c.FindByRef(context.Background(), "unknown")
	require.NoError(t, err)
	require.False(t, found)
}
