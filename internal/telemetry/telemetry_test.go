package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/telemetry"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "michi"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := telemetry.Tracer("michi/test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	counter, err := telemetry.Meter("michi/test").Int64Counter("michi.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}
