package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitespeed-identity/internal/config"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_WithEndpoint(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Setup(ctx, config.TelemetryConfig{
		Endpoint:    "http://127.0.0.1:4318",
		ServiceName: "test",
	})
	require.NoError(t, err)
	// Nothing was recorded, so flushing does not reach the collector.
	assert.NoError(t, shutdown(ctx))
}
