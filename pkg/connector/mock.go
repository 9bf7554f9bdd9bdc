package connector

import (
	"context"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// Mock is the test connector. Its extra block drives the outcome:
// response_data overrides the default echo, should_fail simulates a
// failure, delay_ms sleeps, status_code overrides the HTTP status.
type Mock struct {
	cfg Config
}

// NewMock builds a mock connector.
func NewMock(cfg Config) *Mock {
	return &Mock{cfg: cfg}
}

func (m *Mock) Execute(ctx context.Context, params map[string]any) *contracts.ConnectorResult {
	start := time.Now()
	extra := m.cfg.Extra

	if delay := extraInt(extra, "delay_ms"); delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return failure("TIMEOUT", ctx.Err().Error(), 0, time.Since(start).Milliseconds())
		}
	}
	durationMs := time.Since(start).Milliseconds()

	if shouldFail, _ := extra["should_fail"].(bool); shouldFail {
		code := extraString(extra, "error_code", "MOCK_ERROR")
		message := extraString(extra, "error_message", "Mock connector simulated failure")
		status := extraInt(extra, "status_code")
		if status == 0 {
			status = 500
		}
		return failure(code, message, status, durationMs)
	}

	data, _ := extra["response_data"].(map[string]any)
	if data == nil {
		data = map[string]any{
			"echo":      params,
			"connector": "mock",
			"timestamp": start.UTC().Format(time.RFC3339Nano),
		}
	}
	status := extraInt(extra, "status_code")
	if status == 0 {
		status = 200
	}
	return hashResult(&contracts.ConnectorResult{
		Success:    true,
		Data:       data,
		StatusCode: status,
		DurationMs: durationMs,
	})
}

func extraInt(extra map[string]any, key string) int {
	switch n := extra[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func extraString(extra map[string]any, key, fallback string) string {
	if s, ok := extra[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
