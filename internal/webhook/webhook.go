// Package webhook defines the outbound delivery adapter contract named
// in passing by the spec (§1, §4.4, §6) but never fully specified:
// an Adapter delivers a Bus event to an external receiver, and any
// delivery failure is handed to internal/dlq for retry. Grounded on the
// teacher's outbound-notification gap (the teacher has no webhook
// concept at all) — the HMAC-signed HTTP POST shape follows the
// ecosystem convention the rest of the pack uses for webhook receivers
// (GitHub/Stripe-style `X-<Product>-Signature: hex(hmac_sha256)`).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/dlq"
	"github.com/re-cinq/conduit/internal/eventbus"
)

// SignatureHeader is the header name receivers must verify.
const SignatureHeader = "X-Conduit-Signature"

// BusEvent is the payload delivered to an adapter, mirroring
// eventbus.Event's externally-relevant fields.
type BusEvent struct {
	RequestID string          `json:"request_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Adapter delivers one event to an external receiver.
type Adapter interface {
	Name() string
	Deliver(ctx context.Context, event BusEvent) error
}

// HTTPAdapter POSTs the event as JSON, signing the body with HMAC-SHA256
// over a shared secret so receivers can verify authenticity.
type HTTPAdapter struct {
	name   string
	url    string
	secret string
	client *http.Client
}

func NewHTTPAdapter(cfg config.Adapter) *HTTPAdapter {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		name:   cfg.Name,
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) Deliver(ctx context.Context, event BusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set(SignatureHeader, sign(a.secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook to %s: %w", a.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", a.name, resp.StatusCode)
	}
	return nil
}

// sign computes hex(hmac_sha256(secret, body)).
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an inbound signature header against body using secret;
// constant-time to avoid a timing side channel. No HTTP API handler
// calls it.
func Verify(secret, signatureHeader string, body []byte) bool {
	expected := sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// Dispatcher delivers events to every registered adapter, enqueuing any
// delivery failure into that adapter's DLQ instead of propagating it —
// one slow or down receiver never blocks another.
type Dispatcher struct {
	adapters []Adapter
	queue    *dlq.Queue
}

func NewDispatcher(adapters []Adapter, queue *dlq.Queue) *Dispatcher {
	return &Dispatcher{adapters: adapters, queue: queue}
}

// DispatchAll delivers ev to every adapter; failures are enqueued to the
// DLQ keyed by (adapter name, requestId) and do not stop the other
// adapters from being attempted.
func (d *Dispatcher) DispatchAll(ctx context.Context, ev eventbus.Event) {
	busEvent := BusEvent{RequestID: ev.RequestID, EventType: ev.EventType, Timestamp: ev.Timestamp, Data: ev.Data}
	for _, a := range d.adapters {
		if err := a.Deliver(ctx, busEvent); err != nil {
			if enqErr := d.queue.Enqueue(a.Name(), ev.RequestID, busEvent, err); enqErr != nil {
				slog.Error("webhook dlq enqueue failed", "adapter", a.Name(), "request_id", ev.RequestID, "delivery_err", err, "enqueue_err", enqErr)
			}
		}
	}
}

// RetryPending runs one DLQ retry pass for every adapter.
func (d *Dispatcher) RetryPending() map[string]dlq.RetryStats {
	results := make(map[string]dlq.RetryStats, len(d.adapters))
	for _, a := range d.adapters {
		deliver := func(raw json.RawMessage) error {
			var ev BusEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return err
			}
			return a.Deliver(context.Background(), ev)
		}
		stats, err := d.queue.ProcessRetries(a.Name(), deliver)
		if err != nil {
			continue
		}
		results[a.Name()] = stats
	}
	return results
}
