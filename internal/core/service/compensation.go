package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/travel-booking/internal/pkg/logger"
	"github.com/rl1809/travel-booking/internal/pkg/metrics"
)

type CompensationFunc func(ctx context.Context) error

type compensation struct {
	name string
	fn   CompensationFunc
}

// compensations is a LIFO stack of undo steps for a multi-step operation.
type compensations struct {
	steps []compensation
}

func (c *compensations) Add(name string, fn CompensationFunc) {
	c.steps = append(c.steps, compensation{name: name, fn: fn})
}

// Trigger runs every registered step, newest first. Steps run even if ctx
// was cancelled, and a failing step does not stop the ones after it.
func (c *compensations) Trigger(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	span := trace.SpanFromContext(ctx)

	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		span.AddEvent("compensate", trace.WithAttributes(attribute.String("step", step.name)))

		if err := step.fn(ctx); err != nil {
			metrics.CompensationFailures.Inc()
			logger.Ctx(ctx).Error().Err(err).Str("step", step.name).Msg("compensation step failed")
		}
	}
	c.steps = nil
}
