package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// maxResponseBytes bounds how much of a connector response is read.
const maxResponseBytes = 1 << 20

// Webhook POSTs the resolved parameters as JSON to a fixed URL.
// No retries: a delivery either lands once or fails once.
type Webhook struct {
	cfg     Config
	client  *http.Client
	secrets map[string]string
}

// NewWebhook builds a webhook connector. The URL is required.
func NewWebhook(cfg Config, client *http.Client, secrets map[string]string) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("connector: webhook requires a url")
	}
	return &Webhook{cfg: cfg, client: client, secrets: secrets}, nil
}

func (w *Webhook) Execute(ctx context.Context, params map[string]any) *contracts.ConnectorResult {
	start := time.Now()
	timeout := time.Duration(w.cfg.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(resolveParams(w.cfg, w.secrets, params))
	if err != nil {
		return failure("REQUEST_ERROR", fmt.Sprintf("encode request body: %v", err), 0, time.Since(start).Milliseconds())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return failure("REQUEST_ERROR", err.Error(), 0, time.Since(start).Milliseconds())
	}
	for k, v := range buildHeaders(w.cfg, w.secrets) {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return transportFailure(err, timeout, time.Since(start).Milliseconds())
	}
	defer func() { _ = resp.Body.Close() }()

	return readResult(resp, "Webhook", time.Since(start).Milliseconds())
}

// transportFailure maps a client error onto the TIMEOUT/REQUEST_ERROR
// vocabulary.
func transportFailure(err error, timeout time.Duration, durationMs int64) *contracts.ConnectorResult {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return failure("TIMEOUT",
			fmt.Sprintf("Request timed out after %ds", int(timeout.Seconds())), 0, durationMs)
	}
	return failure("REQUEST_ERROR", err.Error(), 0, durationMs)
}

// readResult interprets an HTTP response: a 2xx body parses as JSON
// (falling back to raw_response), anything else is HTTP_<code>.
func readResult(resp *http.Response, kind string, durationMs int64) *contracts.ConnectorResult {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure("REQUEST_ERROR", fmt.Sprintf("read response body: %v", err), resp.StatusCode, durationMs)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(fmt.Sprintf("HTTP_%d", resp.StatusCode),
			fmt.Sprintf("%s returned status %d", kind, resp.StatusCode),
			resp.StatusCode, durationMs)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		data = map[string]any{"raw_response": string(raw)}
	}
	return hashResult(&contracts.ConnectorResult{
		Success:    true,
		Data:       data,
		StatusCode: resp.StatusCode,
		DurationMs: durationMs,
	})
}
