package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xbusproject/xbus/xbusrpc"
)

// recordSpans routes the global tracer into an in-memory recorder for the
// duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

// Every verb handler runs under a span named after its verb.
func TestVerbHandlerSpans(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	ctx := context.Background()

	args, err := msgpack.Marshal(&loginArgs{Login: "worker_a", Password: "secret"})
	require.NoError(t, err)
	result, err := traced(xbusrpc.VerbLogin, h.b.handleLogin)(ctx, xbusrpc.Raw(args))
	require.NoError(t, err)
	assert.NotEmpty(t, result)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "backend.login", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

// A handler failure is recorded on its span.
func TestVerbHandlerSpanRecordsError(t *testing.T) {
	recorder := recordSpans(t)
	h := newHarness(t)
	ctx := context.Background()

	// A bare string is not a valid argument array.
	args, err := msgpack.Marshal("nope")
	require.NoError(t, err)
	_, err = traced(xbusrpc.VerbStartEvent, h.b.handleStartEvent)(ctx, xbusrpc.Raw(args))
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "backend.start_event", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1, "expected one recorded error event")
}
