package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitInstallsProvidersWithoutExporter(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	p, err := Init(ctx, Config{ServiceName: "shelfbox-test", Version: "dev", Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })

	_, span := otel.Tracer("test").Start(ctx, "op")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	carrier := propagation.MapCarrier{}
	spanCtx, span := otel.Tracer("test").Start(ctx, "inject")
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	span.End()
	require.NotEmpty(t, carrier.Get("traceparent"))

	counter, err := otel.Meter("test").Int64Counter("shelfbox_test_ops")
	require.NoError(t, err)
	counter.Add(ctx, 1)
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
