package observability_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/observability"
)

func TestDisabledProviderIsInert(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = false

	p, err := observability.New(context.Background(), cfg, slog.Default())
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test")
	assert.NotNil(t, ctx)
	span.End()

	p.RecordAction(ctx)
	p.RecordDecision(ctx, "approved")
	p.RecordDuration(ctx, time.Millisecond)
	p.RecordHTTPRequest(ctx, "GET", "/healthz", 200, time.Millisecond)
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *observability.Provider

	ctx, span := p.StartSpan(context.Background(), "test")
	assert.NotNil(t, ctx)
	span.End()

	p.RecordAction(ctx)
	p.RecordDecision(ctx, "denied")
	p.RecordDuration(ctx, time.Millisecond)
	p.RecordHTTPRequest(ctx, "POST", "/api/v1/actions", 200, time.Millisecond)
}

func TestNewLoggerLevels(t *testing.T) {
	logger := observability.NewLogger("console", "WARNING")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = observability.NewLogger("json", "DEBUG")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = observability.NewLogger("json", "CRITICAL")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}
