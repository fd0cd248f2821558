package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice-bridge/internal/bridge"
	"github.com/loqalabs/loqa-voice-bridge/internal/config"
	"github.com/loqalabs/loqa-voice-bridge/internal/protocol"
	"go.opentelemetry.io/otel"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, cfg config.Config, opts ...Option) *Telemetry {
	t.Helper()
	tel, err := Setup(context.Background(), cfg, newLogger(), opts...)
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	if tel.MetricsHandler() == nil {
		t.Fatal("expected metrics handler")
	}
	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetricsExposedThroughPrometheus(t *testing.T) {
	tel := setup(t, config.Default())
	m, err := NewMetrics(tel.Meter())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	m.Observe(protocol.Connected())
	m.Observe(protocol.Listening())
	m.Observe(protocol.NewError(errors.New("boom")))
	hooks := m.Hooks(bridge.Hooks{})
	hooks.CleanupFailed("disconnect", errors.New("closed"))
	hooks.StartupFailed("connect", errors.New("unreachable"))
	hooks.StateChanged(bridge.StateListening)

	body := scrape(t, tel)
	for _, want := range []string{
		`bridge_messages_emitted`,
		`type="ready"`,
		`type="error"`,
		`bridge_cleanup_failures`,
		`step="disconnect"`,
		`bridge_startup_failures`,
		`bridge_state`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestHooksChainToNext(t *testing.T) {
	tel := setup(t, config.Default())
	m, err := NewMetrics(tel.Meter())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	var steps []string
	var states []bridge.State
	hooks := m.Hooks(bridge.Hooks{
		CleanupFailed: func(step string, _ error) { steps = append(steps, step) },
		StateChanged:  func(s bridge.State) { states = append(states, s) },
	})
	hooks.CleanupFailed("stop_listening", errors.New("x"))
	hooks.StartupFailed("connect", errors.New("y"))
	hooks.StateChanged(bridge.StateTerminated)

	if len(steps) != 1 || steps[0] != "stop_listening" {
		t.Fatalf("unexpected chained steps %v", steps)
	}
	if len(states) != 1 || states[0] != bridge.StateTerminated {
		t.Fatalf("unexpected chained states %v", states)
	}
}

func TestStderrTraceExporterWritesSpans(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceExporter = "stderr"
	var buf bytes.Buffer
	setup(t, cfg, WithTraceWriter(&buf))

	_, span := otel.Tracer("test").Start(context.Background(), "stt.connect")
	span.End()

	if !strings.Contains(buf.String(), "stt.connect") {
		t.Fatalf("expected span in trace output, got %q", buf.String())
	}
}

func TestNoneTraceExporterIsSilent(t *testing.T) {
	var buf bytes.Buffer
	setup(t, config.Default(), WithTraceWriter(&buf))

	_, span := otel.Tracer("test").Start(context.Background(), "stt.connect")
	span.End()

	if buf.Len() != 0 {
		t.Fatalf("expected no trace output, got %q", buf.String())
	}
}
