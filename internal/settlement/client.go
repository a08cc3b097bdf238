// Package settlement talks to the custody gateway that holds user vaults and
// escrow locks. Every mutation here moves real funds, so callers must treat
// ambiguous failures (ErrOutcomeUnknown) differently from plain errors.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOutcomeUnknown means the call may or may not have taken effect on the
// gateway side. Callers must not compensate automatically; the operation
// belongs in the reconciliation queue.
var ErrOutcomeUnknown = errors.New("settlement outcome unknown")

type Error struct {
	Op        string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement %s: %s", e.Op, e.Message)
}

type LockRequest struct {
	Seller         string          `json:"seller"`
	Buyer          string          `json:"buyer"`
	Token          string          `json:"token"`
	Chain          string          `json:"chain"`
	Amount         decimal.Decimal `json:"amount"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// Gateway is the surface the services depend on; *Client is the HTTP
// implementation and tests substitute fakes.
type Gateway interface {
	VaultBalance(ctx context.Context, address, token, chain string) (decimal.Decimal, error)
	LockFunds(ctx context.Context, req LockRequest) (string, error)
	ReleaseFunds(ctx context.Context, externalRef, chain string) (string, error)
	Refund(ctx context.Context, externalRef, chain string) (string, error)
	Withdraw(ctx context.Context, walletIndex uint32, amount decimal.Decimal, token, chain, toAddress string) (string, error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, bearerToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      bearerToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

func (c *Client) VaultBalance(ctx context.Context, address, token, chain string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/v1/vaults/%s/balance?token=%s&chain=%s", address, token, chain)
	var out balanceResponse
	if err := c.do(ctx, "vault_balance", http.MethodGet, path, nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

type lockResponse struct {
	ExternalRef string `json:"external_ref"`
}

func (c *Client) LockFunds(ctx context.Context, req LockRequest) (string, error) {
	var out lockResponse
	if err := c.do(ctx, "lock_funds", http.MethodPost, "/v1/escrow/lock", req, &out); err != nil {
		return "", err
	}
	if out.ExternalRef == "" {
		return "", &Error{Op: "lock_funds", Message: "gateway returned empty external ref", Retryable: false}
	}
	return out.ExternalRef, nil
}

type txResponse struct {
	TxRef string `json:"tx_ref"`
}

func (c *Client) ReleaseFunds(ctx context.Context, externalRef, chain string) (string, error) {
	body := map[string]string{"external_ref": externalRef, "chain": chain}
	var out txResponse
	if err := c.do(ctx, "release_funds", http.MethodPost, "/v1/escrow/release", body, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

func (c *Client) Refund(ctx context.Context, externalRef, chain string) (string, error) {
	body := map[string]string{"external_ref": externalRef, "chain": chain}
	var out txResponse
	if err := c.do(ctx, "refund", http.MethodPost, "/v1/escrow/refund", body, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

type withdrawRequest struct {
	WalletIndex uint32          `json:"wallet_index"`
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token"`
	Chain       string          `json:"chain"`
	ToAddress   string          `json:"to_address"`
}

func (c *Client) Withdraw(ctx context.Context, walletIndex uint32, amount decimal.Decimal, token, chain, toAddress string) (string, error) {
	req := withdrawRequest{
		WalletIndex: walletIndex,
		Amount:      amount,
		Token:       token,
		Chain:       chain,
		ToAddress:   toAddress,
	}
	var out txResponse
	if err := c.do(ctx, "withdraw", http.MethodPost, "/v1/vaults/withdraw", req, &out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

type gatewayError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Message: fmt.Sprintf("encode request: %v", err), Retryable: false}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Message: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A deadline after the request left the socket is ambiguous: the
		// gateway may have processed it.
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%s: %w", op, ErrOutcomeUnknown)
		}
		return &Error{Op: op, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Message: fmt.Sprintf("decode response: %v", err), Retryable: false}
		}
		return nil
	}

	var gwErr gatewayError
	_ = json.NewDecoder(resp.Body).Decode(&gwErr)
	msg := gwErr.Message
	if msg == "" {
		msg = fmt.Sprintf("gateway returned status %d", resp.StatusCode)
	}
	return &Error{
		Op:        op,
		Message:   msg,
		Retryable: resp.StatusCode >= 500,
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
