package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracingDisabled(t *testing.T) {
	require.NoError(t, InitTracing(TracingConfig{Enabled: false}))

	ctx, span := StartSpan(context.Background(), "conversion.chunk")
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
	span.End()
}

func TestInitTracingUnknownExporter(t *testing.T) {
	err := InitTracing(TracingConfig{Enabled: true, ExporterType: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exporter type")
}

func TestInitTracingStdout(t *testing.T) {
	require.NoError(t, InitTracing(TracingConfig{Enabled: true, ExporterType: "stdout"}))
	t.Cleanup(func() { _ = ShutdownTracing(context.Background()) })

	_, span := StartSpan(context.Background(), "conversion.session")
	span.End()
}

func TestParseHeaders(t *testing.T) {
	headers := parseHeaders("Authorization=Basic abc,X-Custom=1")
	assert.Equal(t, map[string]string{"Authorization": "Basic abc", "X-Custom": "1"}, headers)
	assert.Nil(t, parseHeaders(""))
}

func TestInitMetricsIdempotent(t *testing.T) {
	InitMetrics()
	InitMetrics()
	RecordChunk("CODE", "converted", 0)
	RecordUsage("gpt-5-mini", 0.018, 900)
	RecordRetry("rate_limit")
	RecordModelSwitch()
	RecordWebhookDelivery("session.completed", "ok")
	RecordWebhookDelivery("session.completed", "failed")
	SetActiveSessions(1)
	SetManualQueueDepth("sess-1", 2)
	SetManualQueueDepth("sess-2", 0)
}

func TestManualQueueDepthPerSession(t *testing.T) {
	InitMetrics()
	SetManualQueueDepth("sess-a", 3)
	SetManualQueueDepth("sess-b", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(manualQueueDepth.WithLabelValues("sess-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(manualQueueDepth.WithLabelValues("sess-b")))
}
