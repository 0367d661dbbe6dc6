package workflows

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/workflows"

// Metrics for the conversation workflow and its activities
var (
	activityDuration       metric.Float64Histogram
	activityErrorCounter   metric.Int64Counter
	toolInvocationCounter  metric.Int64Counter
	governanceCounter      metric.Int64Counter
	continuationCounter    metric.Int64Counter
	droppedInputCounter    metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	// Activity duration histogram
	activityDuration, err = meter.Float64Histogram(
		"agentd.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	// Activity error counter
	activityErrorCounter, err = meter.Int64Counter(
		"agentd.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	toolInvocationCounter, err = meter.Int64Counter(
		"agentd.workflows.tool.invocations",
		metric.WithDescription("Tool invocations executed by the ExecuteTool activity"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create tool invocation counter: %v", err))
	}

	governanceCounter, err = meter.Int64Counter(
		"agentd.workflows.governance.decisions",
		metric.WithDescription("Governance decisions by phase and verdict"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create governance counter: %v", err))
	}

	continuationCounter, err = meter.Int64Counter(
		"agentd.workflows.conversation.continuations",
		metric.WithDescription("Conversations continued as new with a summary"),
		metric.WithUnit("{continuation}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create continuation counter: %v", err))
	}

	droppedInputCounter, err = meter.Int64Counter(
		"agentd.workflows.conversation.dropped_inputs",
		metric.WithDescription("Queued inputs dropped because the conversation ended"),
		metric.WithUnit("{input}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create dropped input counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func recordActivity(ctx context.Context, name string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, seconds, attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
