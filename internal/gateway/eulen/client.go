// Package eulen is the HTTP client for the Eulen PIX payment processor.
package eulen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pixbridge/internal/gateway"
)

type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	limiter   *rate.Limiter
}

func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 15 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
	}
}

type depositResponse struct {
	ID          string `json:"id"`
	QRCopyPaste string `json:"qrCopyPaste"`
	QRImageURL  string `json:"qrImageUrl"`
}

type statusResponse struct {
	BankTxID     string `json:"bankTxId"`
	Status       string `json:"status"`
	ValueInCents int64  `json:"valueInCents"`
}

// envelope is Eulen's standard response wrapper.
type envelope struct {
	Response json.RawMessage `json:"response"`
}

func (c *Client) CreateCharge(ctx context.Context, amountInCents int64, pixAddress string) (gateway.Charge, error) {
	payload := map[string]any{
		"amountInCents": amountInCents,
		"pixAddress":    pixAddress,
	}

	var dep depositResponse
	if err := c.post(ctx, "/api/deposit", payload, &dep); err != nil {
		return gateway.Charge{}, err
	}
	if dep.ID == "" {
		return gateway.Charge{}, errors.New("eulen: bad response format")
	}
	return gateway.Charge{
		ExternalID:  dep.ID,
		QRCopyPaste: dep.QRCopyPaste,
		QRImageURL:  dep.QRImageURL,
	}, nil
}

func (c *Client) GetChargeStatus(ctx context.Context, externalID string) (gateway.ChargeStatus, error) {
	var st statusResponse
	if err := c.get(ctx, "/api/deposit/"+externalID, &st); err != nil {
		return gateway.ChargeStatus{}, err
	}
	return gateway.ChargeStatus{
		BankTxID:     st.BankTxID,
		Status:       st.Status,
		ValueInCents: st.ValueInCents,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("X-Nonce", uuid.NewString())
	req.Header.Set("X-Async", "true")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &gateway.TransientError{Err: fmt.Errorf("eulen: status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("eulen: status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("eulen: decode: %w", err)
	}
	if env.Response == nil {
		return errors.New("eulen: bad response format")
	}
	return json.Unmarshal(env.Response, out)
}

func classify(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &gateway.AmbiguousError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &gateway.AmbiguousError{Err: err}
	}
	return &gateway.TransientError{Err: err}
}
