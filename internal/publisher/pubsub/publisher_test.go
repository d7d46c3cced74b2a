package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type note struct {
	Box string `json:"box"`
}

func (n note) Attributes() map[string]string {
	return map[string]string{"box_id": n.Box}
}

func TestNewMessageCarriesAttributesAndTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg, err := newMessage(ctx, note{Box: "b1"})
	require.NoError(t, err)
	require.Equal(t, "b1", msg.Attributes["box_id"])

	var decoded note
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "b1", decoded.Box)

	// The default global propagator is a no-op; inject explicitly to check the carrier.
	c := carrier(map[string]string{})
	propagation.TraceContext{}.Inject(ctx, c)
	require.Contains(t, c.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")
	require.Contains(t, c.Keys(), "traceparent")
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", note{})
	require.Error(t, err)
}

func TestNewMessageRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	_, err := newMessage(context.Background(), map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}
