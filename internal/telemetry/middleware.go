package telemetry

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceIDHeader = "X-Trace-ID"
	healthPath    = "/health"
)

// FiberMiddleware traces every request except health probes.
// The span is renamed to the matched route once routing has run.
func FiberMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == healthPath {
			return c.Next()
		}

		tracer := otel.Tracer(instrumentationName)
		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), propagation.HeaderCarrier(c.GetReqHeaders()))

		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.url", c.OriginalURL()),
				attribute.String("http.client_ip", c.IP()),
				attribute.String("http.user_agent", c.Get(fiber.HeaderUserAgent)),
			),
		)
		defer span.End()

		c.SetUserContext(ctx)
		if span.SpanContext().HasTraceID() {
			c.Set(TraceIDHeader, span.SpanContext().TraceID().String())
		}

		err := c.Next()

		route := c.Route().Path
		span.SetName(c.Method() + " " + route)
		status := c.Response().StatusCode()
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)

		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= 500:
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
		return err
	}
}

// SetSpanAttribute tags the request span, e.g. with the subscription a handler touched
func SetSpanAttribute(c *fiber.Ctx, key, value string) {
	trace.SpanFromContext(c.UserContext()).SetAttributes(attribute.String(key, value))
}
