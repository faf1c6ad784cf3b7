package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// No instruments were created; recording must not panic.
	assert.NotPanics(t, func() {
		p.RecordRequest(context.Background(), "alchemy", "stored", 5*time.Millisecond)
	})
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestStartSpan_Disabled(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "ingest")
	assert.NotNil(t, ctx)
	require.NotNil(t, span)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "callback-forwarder", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}
