package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := Setup(ctx, Options{ServiceName: "attest-server", ServiceVersion: "test"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

type captureWriter struct {
	entries []string
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.entries = append(c.entries, string(p))
	return len(p), nil
}

func TestLoggingExporterEmitsSpan(t *testing.T) {
	writer := &captureWriter{}
	exporter := newLoggingExporter(zerolog.New(writer))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)

	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "verify-challenge")
	span.SetAttributes(attribute.String("device_id", "dev-1"))
	span.End()
	require.NoError(t, provider.Shutdown(ctx))
	require.NotEmpty(t, writer.entries)
}
