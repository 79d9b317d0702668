package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/seenimoa/zchatbot/internal/config"
)

func TestSetupEnabledExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(config.TelemetryConfig{Enabled: true, ServiceName: "zchatbot-test"}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("zchatbot/test").Start(context.Background(), "hybrid.handle")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"hybrid.handle"`)
	assert.Contains(t, out, "zchatbot-test")
}

func TestSetupDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(config.TelemetryConfig{}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("zchatbot/test").Start(context.Background(), "ignored")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}
