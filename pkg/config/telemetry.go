package config

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/mpapenbr/racetimer-go/log"
)

type Telemetry struct {
	provider *sdkmetric.MeterProvider
}

// SetupTelemetry installs a global meter provider that periodically writes all
// metrics to w (stdout if nil).
func SetupTelemetry(ctx context.Context, w io.Writer, interval time.Duration) (*Telemetry, error) {
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(interval))))
	otel.SetMeterProvider(provider)
	return &Telemetry{provider: provider}, nil
}

// Shutdown flushes pending metrics.
func (t *Telemetry) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Warn("could not shutdown telemetry", log.ErrorField(err))
	}
}
