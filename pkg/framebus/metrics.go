package framebus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/racetimer-go/log"
)

//nolint:funlen // readability
func (b *Bus) setupMetrics() {
	meter := otel.GetMeterProvider().Meter(fmt.Sprintf("racetimer.framebus.%s", b.name))

	published, err := meter.Int64ObservableCounter("racetimer.framebus.published",
		metric.WithDescription("Number of published frames"),
		metric.WithUnit("{frame}"))
	if err != nil {
		b.l.Error("failed to register metric", log.ErrorField(err))
		return
	}
	sent, err := meter.Int64ObservableCounter("racetimer.framebus.sent",
		metric.WithDescription("Number of frames handed to a subscriber"),
		metric.WithUnit("{frame}"))
	if err != nil {
		b.l.Error("failed to register metric", log.ErrorField(err))
		return
	}
	dropped, err := meter.Int64ObservableCounter("racetimer.framebus.dropped",
		metric.WithDescription("Number of frames replaced before a subscriber consumed them"),
		metric.WithUnit("{frame}"))
	if err != nil {
		b.l.Error("failed to register metric", log.ErrorField(err))
		return
	}

	if _, err := meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			busAttr := attribute.String("bus", b.name)
			o.ObserveInt64(published, int64(b.published.Load()),
				metric.WithAttributes(busAttr))
			for id, st := range b.Stats().Subscribers {
				attrs := metric.WithAttributes(busAttr, attribute.String("subscriber", id))
				o.ObserveInt64(sent, int64(st.Sent), attrs)
				o.ObserveInt64(dropped, int64(st.Dropped), attrs)
			}
			return nil
		},
		published, sent, dropped,
	); err != nil {
		b.l.Error("failed to register metric callback", log.ErrorField(err))
	}
}
