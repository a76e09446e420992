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
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout  = 12 * time.Second
	defaultAttempts = 3
	defaultBackoff  = 2500 * time.Millisecond
)

// Dispatcher posts event payloads to registered endpoints. Failed
// deliveries retry with linear backoff; an endpoint that exhausts its
// attempts is logged and skipped without affecting the others.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// DispatcherOptions tunes retry behaviour. Zero values take defaults.
type DispatcherOptions struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// NewDispatcher builds a dispatcher over the registry.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: opts.Timeout},
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
	}
}

// envelope is the wire format posted to endpoints.
type envelope struct {
	Event     string         `json:"event"`
	Timestamp float64        `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Attempt   int            `json:"attempt"`
	Signature string         `json:"signature,omitempty"`
}

// Dispatch sends the event to every subscribed endpoint concurrently
// and returns one delivery record per endpoint, failures included.
// Endpoint failures are logged, never escalated, so one broken
// endpoint cannot stall a session.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload map[string]any) []Delivery {
	targets := d.registry.Matching(event)
	if len(targets) == 0 {
		return nil
	}

	results := make([]Delivery, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	for i, cfg := range targets {
		g.Go(func() error {
			delivery, err := d.send(ctx, cfg, event, payload)
			if err != nil {
				log.Printf("[webhook] delivery to %s failed: %v", cfg.URL, err)
			}
			results[i] = delivery
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Test fires a webhook.test event at a single registered endpoint and
// returns the delivery outcome, including failures.
func (d *Dispatcher) Test(ctx context.Context, url string) (Delivery, error) {
	cfg, err := d.registry.Get(url)
	if err != nil {
		return Delivery{}, err
	}
	return d.send(ctx, cfg, EventTest, map[string]any{"message": "test delivery"})
}

func (d *Dispatcher) send(ctx context.Context, cfg Config, event string, payload map[string]any) (Delivery, error) {
	signature := ""
	if cfg.Secret != "" {
		serialized, err := json.Marshal(payload)
		if err != nil {
			return Delivery{}, fmt.Errorf("encode webhook payload: %w", err)
		}
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write(serialized)
		signature = hex.EncodeToString(mac.Sum(nil))
	}

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Delivery{URL: cfg.URL, Attempts: attempt - 1}, ctx.Err()
			case <-time.After(d.backoff * time.Duration(attempt-1)):
			}
		}

		status, err := d.post(ctx, cfg, event, payload, attempt, signature)
		if err == nil {
			return Delivery{URL: cfg.URL, Status: status, Attempts: attempt, OK: true}, nil
		}
		lastErr = err
		lastStatus = status
		log.Printf("[webhook] attempt %d/%d for %s failed: %v", attempt, d.attempts, cfg.URL, err)
	}
	return Delivery{URL: cfg.URL, Status: lastStatus, Attempts: d.attempts},
		fmt.Errorf("deliver to %s after %d attempts: %w", cfg.URL, d.attempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, cfg Config, event string, payload map[string]any, attempt int, signature string) (int, error) {
	body, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Payload:   payload,
		Attempt:   attempt,
		Signature: signature,
	})
	if err != nil {
		return 0, fmt.Errorf("encode webhook envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
		req.Header.Set("X-Webhook-Event", event)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
