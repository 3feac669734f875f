package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =empty,tenant=ramp")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "ramp"}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Traces: true})
	require.Error(t, err)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "rampd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(0).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(1.5).Description())
	require.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased")
}
