package router

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

	"github.com/morezero/catalog-events/pkg/event"
)

const senderPrefix = "router:sender"

// SignatureHeader carries the HMAC-SHA256 of the request body, keyed with
// the destination secret, as "sha256=<hex>".
const SignatureHeader = "X-Catalog-Signature"

// Sender delivers one batch of events to a destination.
type Sender interface {
	Send(ctx context.Context, dest *Destination, events []*event.ChangeEvent) error
}

// SendError is a failed delivery. StatusCode is zero for transport errors.
type SendError struct {
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("destination returned status %d", e.StatusCode)
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// eventList is the webhook request body.
type eventList struct {
	Data []*event.ChangeEvent `json:"data"`
}

// WebhookSender posts event batches as JSON over HTTP. Any response outside
// 2xx is a failure, as is a timeout or transport error.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender builds a sender. client may be nil; per-send deadlines
// come from the request context, not the client.
func NewWebhookSender(client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookSender{client: client}
}

func (s *WebhookSender) Send(ctx context.Context, dest *Destination, events []*event.ChangeEvent) error {
	body, err := json.Marshal(eventList{Data: events})
	if err != nil {
		return fmt.Errorf("%s - marshal batch: %w", senderPrefix, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s - build request: %w", senderPrefix, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if dest.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(dest.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Err: fmt.Errorf("%s - post %s: %w", senderPrefix, dest.Endpoint, err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SendError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign computes the request signature for a body under a shared secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
