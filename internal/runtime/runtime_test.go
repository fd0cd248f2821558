package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice-bridge/internal/config"
	"github.com/loqalabs/loqa-voice-bridge/internal/eventstore"
	"github.com/loqalabs/loqa-voice-bridge/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, output %q", want, out.String())
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRunServesHealthAndJournalsMessages(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "mock"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0
	cfg.Journal.RetentionMode = eventstore.RetentionPersistent
	cfg.Journal.Path = filepath.Join(t.TempDir(), "bridge.db")

	client := stt.NewMockClient()
	out := &syncBuffer{}
	rt := New(cfg, newLogger(), out, WithClient(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForOutput(t, out, `"status":"listening"`)
	client.Emit(stt.Result{Text: "hello world", Confidence: 0.92})

	base := "http://" + rt.HTTPAddr().String()
	if code, body := get(t, base+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("unexpected healthz %d %q", code, body)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
	if code, body := get(t, base+"/metrics"); code != http.StatusOK || !strings.Contains(body, "bridge_messages_emitted") {
		t.Fatalf("unexpected metrics %d %q", code, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}

	want := `{"type":"ready","status":"connected"}` + "\n" +
		`{"type":"ready","status":"listening"}` + "\n" +
		`{"type":"transcription","text":"hello world","confidence":0.92,"language":"en","is_final":true}` + "\n"
	if out.String() != want {
		t.Fatalf("unexpected output %q", out.String())
	}

	store, err := eventstore.Open(context.Background(), cfg.Journal, newLogger())
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer store.Close()
	sessions, err := store.ListSessions(context.Background())
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one session, got %v %v", sessions, err)
	}
	events, err := store.ListSessionEvents(context.Background(), sessions[0].ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[2].Type != "transcription" {
		t.Fatalf("unexpected journal events %+v", events)
	}
}

func TestRunReportsClientConstructionFailure(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "exec"
	cfg.STT.Command = `recognizer "unterminated`

	out := &syncBuffer{}
	err := New(cfg, newLogger(), out).Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], `{"type":"error","error":`) {
		t.Fatalf("expected a single error line, got %q", out.String())
	}
}

func TestRunReportsUnreachableSocketDaemon(t *testing.T) {
	cfg := config.Default()
	cfg.STT.SocketPath = filepath.Join(t.TempDir(), "missing.sock")
	cfg.STT.ConnectTimeoutMS = 200

	out := &syncBuffer{}
	if err := New(cfg, newLogger(), out).Run(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
	got := out.String()
	if strings.Count(got, "\n") != 1 || !strings.HasPrefix(got, `{"type":"error","error":`) {
		t.Fatalf("expected exactly one error line, got %q", got)
	}
	if strings.Contains(got, "ready") {
		t.Fatalf("no ready line expected, got %q", got)
	}
}

func TestRunWithEmbeddedBus(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "nats"
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0

	out := &syncBuffer{}
	rt := New(cfg, newLogger(), out)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForOutput(t, out, `"status":"listening"`)
	if code, _ := get(t, "http://"+rt.HTTPAddr().String()+"/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready with a connected bus, got %d", code)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

type flakyClient struct {
	*stt.MockClient
	healthy atomic.Bool
}

func (c *flakyClient) Healthy() bool { return c.healthy.Load() }

func TestReadinessFollowsClientHealth(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "mock"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0

	client := &flakyClient{MockClient: stt.NewMockClient()}
	client.healthy.Store(true)
	out := &syncBuffer{}
	rt := New(cfg, newLogger(), out, WithClient(client))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForOutput(t, out, `"status":"listening"`)
	url := "http://" + rt.HTTPAddr().String() + "/readyz"
	if code, _ := get(t, url); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
	client.healthy.Store(false)
	if code, body := get(t, url); code != http.StatusServiceUnavailable || body != "not ready" {
		t.Fatalf("expected not ready after connection loss, got %d %q", code, body)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestHTTPDisabledByDefault(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "mock"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt := New(cfg, newLogger(), io.Discard)
	_ = rt.Run(ctx)
	if rt.HTTPAddr() != nil {
		t.Fatal("http server should be disabled by default")
	}
}
