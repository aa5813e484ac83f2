package jobs

import (
	"context"

	"github.com/me/gowps/pkg/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/me/gowps/internal/jobs"

type metrics struct {
	transitions metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	meter := mp.Meter(meterName)
	// Counter creation only fails for invalid names; the returned instrument
	// is a usable no-op in that case.
	transitions, _ := meter.Int64Counter("gowps.job.transitions",
		metric.WithDescription("Job status transitions by source status, target status and actor"),
		metric.WithUnit("{transition}"))
	return &metrics{transitions: transitions}
}

func (m *metrics) transition(ctx context.Context, from, to model.JobStatus, actor model.Actor) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("actor", string(actor)),
	))
}
