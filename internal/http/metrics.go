package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/agentd/internal/http"

const conversationRoutes = "/api/v1/conversations"

// HTTPMetrics instruments the control API. Requests are labeled by method,
// route pattern and status; refused conversation actions are also counted
// by reason so queue saturation and late inputs show up on their own.
type HTTPMetrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	rejections metric.Int64Counter
}

// NewHTTPMetrics creates the instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requests, err = m.meter.Int64Counter("agentd.http.requests_total",
		metric.WithDescription("Control API requests by method, route and status."),
		metric.WithUnit("{request}"))
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.latency, err = m.meter.Float64Histogram("agentd.http.request_duration_seconds",
		metric.WithDescription("Control API latency. Conversation routes include the signal round trip and the state query."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.inFlight, err = m.meter.Int64UpDownCounter("agentd.http.active_requests",
		metric.WithDescription("Control API requests being served."),
		metric.WithUnit("{request}"))
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}

	m.rejections, err = m.meter.Int64Counter("agentd.http.conversation_rejections_total",
		metric.WithDescription("Conversation actions refused by the control surface, by reason."),
		metric.WithUnit("{request}"))
	if err != nil {
		m.logger.Warn("failed to create rejections counter", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records the instruments.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			route := normalizePath(c.Path())
			status := c.Response().Status
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", route),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if reason := rejectionReason(route, status); reason != "" && m.rejections != nil {
				m.rejections.Add(ctx, 1, metric.WithAttributes(
					attribute.String("endpoint", route),
					attribute.String("reason", reason),
				))
			}
			return err
		}
	}
}

// rejectionReason names the refusal behind a conversation route status.
func rejectionReason(route string, status int) string {
	if !strings.HasPrefix(route, conversationRoutes) {
		return ""
	}
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "ended"
	case http.StatusTooManyRequests:
		return "saturated"
	default:
		return ""
	}
}

// normalizePath keeps the registered route pattern as the endpoint label.
// Echo reports routes with their parameters unexpanded
// (/api/v1/conversations/:id), so conversation IDs never become labels.
// Unmatched requests have no route and share one label.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
