package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
)

func TestSetupLogger(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"})
	require.NotNil(t, lg)
	assert.True(t, lg.Enabled(context.Background(), slog.LevelDebug), "dev enables debug")

	lg = SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"})
	require.NotNil(t, lg)
	assert.False(t, lg.Enabled(context.Background(), slog.LevelDebug), "prod defaults to info")
}

func TestLoggerContextRoundTrip(t *testing.T) {
	base := slog.Default().With(slog.String("task_id", "t1"))
	ctx := ContextWithLogger(context.Background(), base)
	assert.Same(t, base, LoggerFromContext(ctx))
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	ctx = ContextWithRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Same(t, ctx, ContextWithRequestID(ctx, ""), "empty id is not stored")
}
