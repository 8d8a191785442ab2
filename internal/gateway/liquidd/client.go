// Package liquidd is the client for the custodial wallet daemon, which holds
// the signing keys and tracks spendable outputs on the Liquid network. The
// daemon builds, signs and broadcasts transactions; this client only carries
// requests and classifies failures.
package liquidd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"pixbridge/internal/gateway"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) NewAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.post(ctx, "/v1/address", nil, &out, false); err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", errors.New("walletd: empty address")
	}
	return out.Address, nil
}

func (c *Client) Broadcast(ctx context.Context, req gateway.BroadcastRequest) (string, error) {
	recipients := make([]map[string]any, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, map[string]any{
			"address": r.Address,
			"satoshi": r.Amount,
		})
	}
	payload := map[string]any{
		"ref":        req.Ref,
		"asset":      req.AssetHex,
		"recipients": recipients,
	}

	var out struct {
		TxID string `json:"txid"`
	}
	// Broadcast mutates chain state: a transport failure after the request
	// leaves the daemon's outcome unknown, so timeouts classify as ambiguous.
	if err := c.post(ctx, "/v1/broadcast", payload, &out, true); err != nil {
		return "", err
	}
	if out.TxID == "" {
		return "", errors.New("walletd: empty txid")
	}
	return out.TxID, nil
}

func (c *Client) Confirmations(ctx context.Context, txID string) (int, error) {
	var out struct {
		Confirmations int `json:"confirmations"`
	}
	if err := c.get(ctx, "/v1/tx/"+txID, &out); err != nil {
		return 0, err
	}
	return out.Confirmations, nil
}

func (c *Client) FindByRef(ctx context.Context, ref string) (string, bool, error) {
	var out struct {
		TxID string `json:"txid"`
	}
	err := c.get(ctx, "/v1/broadcast/"+ref, &out)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, err
	}
	return out.TxID, out.TxID != "", nil
}

type notFoundError struct{}

func (*notFoundError) Error() string { return "walletd: not found" }

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, payload, out any, mutating bool) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if mutating && isTimeout(err) {
			return &gateway.AmbiguousError{Err: err}
		}
		return &gateway.TransientError{Err: err}
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &gateway.TransientError{Err: err}
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

func (c *Client) decode(resp *http.Response, out any) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNotFound:
		return &notFoundError{}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The daemon refused the transaction outright: bad address,
		// insufficient funds, dust output. Permanent.
		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		return &gateway.RejectionError{Reason: ae.Error}
	case resp.StatusCode >= 500:
		return &gateway.TransientError{Err: fmt.Errorf("walletd: status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("walletd: status %d", resp.StatusCode)
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
