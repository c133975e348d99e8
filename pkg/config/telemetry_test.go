package config

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestSetupTelemetry(t *testing.T) {
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })
	var buf bytes.Buffer
	tel, err := SetupTelemetry(context.Background(), &buf, time.Hour)
	require.NoError(t, err)

	counter, err := otel.GetMeterProvider().Meter("test").Int64Counter("racetimer.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)
	tel.Shutdown()

	assert.Contains(t, buf.String(), "racetimer.test")
}
