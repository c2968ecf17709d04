// Package transport delivers texts and calls through outbound webhooks.
// Without configured webhook URLs deliveries degrade to log lines, which
// keeps the engine runnable end to end on a laptop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/logging"
)

// Config for the webhook transport.
type Config struct {
	TextURL string // POST target for text deliveries
	CallURL string // POST target for call placements
	Timeout time.Duration
}

// DefaultConfig reads webhook targets from the environment.
func DefaultConfig() Config {
	return Config{
		TextURL: os.Getenv("AIDE_TEXT_WEBHOOK"),
		CallURL: os.Getenv("AIDE_CALL_WEBHOOK"),
		Timeout: 15 * time.Second,
	}
}

// Webhook implements core.Transport over HTTP POST.
type Webhook struct {
	cfg        Config
	clock      clock.Clock
	httpClient *http.Client
}

// New creates a webhook transport.
func New(cfg Config, clk clock.Clock) *Webhook {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Webhook{
		cfg:   cfg,
		clock: clk,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Configured reports whether at least one webhook target is set.
func (w *Webhook) Configured() bool {
	return w.cfg.TextURL != "" || w.cfg.CallURL != ""
}

type textPayload struct {
	UserID string `json:"user_id"`
	Body   string `json:"body"`
}

type callPayload struct {
	UserID string `json:"user_id"`
	Script string `json:"script"`
}

// SendText delivers a text message.
func (w *Webhook) SendText(ctx context.Context, userID, body string) (*core.DeliveryResult, error) {
	now := w.clock.Now()

	if w.cfg.TextURL == "" {
		logging.Info("[text -> %s] %s", userID, body)
		return &core.DeliveryResult{MessageID: uuid.NewString(), DeliveredAt: now}, nil
	}

	if err := w.post(ctx, w.cfg.TextURL, textPayload{UserID: userID, Body: body}); err != nil {
		return nil, err
	}
	return &core.DeliveryResult{MessageID: uuid.NewString(), DeliveredAt: now}, nil
}

// PlaceCall places a voice call.
func (w *Webhook) PlaceCall(ctx context.Context, userID, script string) (*core.CallResult, error) {
	now := w.clock.Now()

	if w.cfg.CallURL == "" {
		logging.Info("[call -> %s] %s", userID, script)
		return &core.CallResult{CallID: uuid.NewString(), PlacedAt: now}, nil
	}

	if err := w.post(ctx, w.cfg.CallURL, callPayload{UserID: userID, Script: script}); err != nil {
		return nil, err
	}
	return &core.CallResult{CallID: uuid.NewString(), PlacedAt: now}, nil
}

// post sends one JSON payload. A 4xx response other than 429 means the
// request itself is bad and retrying cannot help.
func (w *Webhook) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: webhook rejected request (%d): %s", core.ErrPermanentDelivery, resp.StatusCode, respBody)
	}
	return fmt.Errorf("webhook error %d: %s", resp.StatusCode, respBody)
}
