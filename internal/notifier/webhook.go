package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	signatureHeader = "X-P2P-Signature"
	userAgent       = "p2p-kerala-webhook/1.0"
)

// WebhookSender delivers event payloads to merchant callback URLs. Each body
// is signed with HMAC-SHA256 over the raw bytes so receivers can verify
// origin without TLS client certs.
type WebhookSender struct {
	client *http.Client
	secret []byte
}

func NewWebhookSender(secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		secret: []byte(secret),
	}
}

func (w *WebhookSender) Send(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
}
