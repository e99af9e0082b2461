package channel

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

	"github.com/nohat/openclaw/outbox"
)

// WebhookAdapter delivers final payloads as signed JSON POSTs to a
// registered callback URL — a gateway-mode adapter for integrations that
// run their own HTTP receiver rather than a long-lived socket connection.
//
// Ported from channels/webhook.go's HMAC-signing send path and callback
// URL validation, adapted from that file's fixed Message shape to the
// generic outbox.Payload this module delivers.
type WebhookAdapter struct {
	CallbackURL string
	Secret      []byte
	HTTPClient  *http.Client
}

// NewWebhookAdapter validates callbackURL (rejecting loopback/private
// targets via ValidateCallbackURL) and constructs a WebhookAdapter.
func NewWebhookAdapter(callbackURL string, secret []byte) (*WebhookAdapter, error) {
	if err := ValidateCallbackURL(callbackURL); err != nil {
		return nil, err
	}
	return &WebhookAdapter{
		CallbackURL: callbackURL,
		Secret:      secret,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Metadata reports gateway delivery mode with idempotency-key support:
// the receiving webhook is expected to dedupe on it.
func (w *WebhookAdapter) Metadata() Metadata {
	return Metadata{
		DeliveryMode:           DeliveryModeGateway,
		SupportsIdempotencyKey: true,
		TextChunkLimit:         4096,
	}
}

// SendFinal POSTs payload as JSON to CallbackURL, signing the body with
// HMAC-SHA256 over Secret and carrying the signature in the
// X-Signature-256 header as "sha256=<hex>".
func (w *WebhookAdapter) SendFinal(ctx context.Context, payload outbox.Payload) (SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("channel: webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("channel: webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-256", "sha256="+SignPayload(w.Secret, body))

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("channel: webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("channel: webhook: callback returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(respBody, &parsed)

	return SendResult{ProviderMessageID: parsed.MessageID, Confirmed: true}, nil
}

// SignPayload computes the hex-encoded HMAC-SHA256 of body under secret.
func SignPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound webhook's signature header
// ("sha256=<hex>") against body under secret, in constant time.
func VerifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	expected := SignPayload(secret, body)
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}
