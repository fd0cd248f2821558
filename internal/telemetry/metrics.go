package telemetry

import (
	"context"

	"github.com/loqalabs/loqa-voice-bridge/internal/bridge"
	"github.com/loqalabs/loqa-voice-bridge/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge instruments.
type Metrics struct {
	emitted         metric.Int64Counter
	startupFailures metric.Int64Counter
	cleanupFailures metric.Int64Counter
	state           metric.Int64Gauge
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	emitted, err := meter.Int64Counter("bridge.messages.emitted",
		metric.WithDescription("Protocol lines written to the output stream"))
	if err != nil {
		return nil, err
	}
	startup, err := meter.Int64Counter("bridge.startup.failures",
		metric.WithDescription("Failed startup steps"))
	if err != nil {
		return nil, err
	}
	cleanup, err := meter.Int64Counter("bridge.cleanup.failures",
		metric.WithDescription("Suppressed cleanup failures"))
	if err != nil {
		return nil, err
	}
	state, err := meter.Int64Gauge("bridge.state",
		metric.WithDescription("Current lifecycle state (0 created .. 4 terminated)"))
	if err != nil {
		return nil, err
	}
	return &Metrics{emitted: emitted, startupFailures: startup, cleanupFailures: cleanup, state: state}, nil
}

// Observe counts an emitted message. It satisfies bridge.Observer.
func (m *Metrics) Observe(msg protocol.Message) {
	m.emitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", msg.MessageType())))
}

// Hooks returns bridge lifecycle hooks feeding the failure counters. next is
// chained after the metric update when non-nil.
func (m *Metrics) Hooks(next bridge.Hooks) bridge.Hooks {
	return bridge.Hooks{
		StartupFailed: func(step string, err error) {
			m.startupFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("step", step)))
			if next.StartupFailed != nil {
				next.StartupFailed(step, err)
			}
		},
		CleanupFailed: func(step string, err error) {
			m.cleanupFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("step", step)))
			if next.CleanupFailed != nil {
				next.CleanupFailed(step, err)
			}
		},
		StateChanged: func(s bridge.State) {
			m.state.Record(context.Background(), int64(s))
			if next.StateChanged != nil {
				next.StateChanged(s)
			}
		},
	}
}
