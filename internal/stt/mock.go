package stt

import (
	"context"
	"sync"
)

// MockClient is an in-process Client. Failures are injected through the
// exported error fields and events through Emit and Fail.
type MockClient struct {
	ConnectErr        error
	SubscribeErr      error
	StartListeningErr error
	StopListeningErr  error
	DisconnectErr     error

	handlers handlerSet
	mu       sync.Mutex
	calls    []string
}

func NewMockClient() *MockClient { return &MockClient{} }

func (m *MockClient) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// Calls returns the lifecycle methods invoked so far, in order.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockClient) Connect(context.Context) error {
	m.record("connect")
	return m.ConnectErr
}

func (m *MockClient) Disconnect() error {
	m.record("disconnect")
	return m.DisconnectErr
}

func (m *MockClient) Subscribe(context.Context) error {
	m.record("subscribe")
	return m.SubscribeErr
}

func (m *MockClient) StartListening(context.Context) error {
	m.record("start_listening")
	return m.StartListeningErr
}

func (m *MockClient) StopListening() error {
	m.record("stop_listening")
	return m.StopListeningErr
}

func (m *MockClient) OnTranscription(fn TranscriptionHandler) { m.handlers.setTranscription(fn) }

func (m *MockClient) OnError(fn ErrorHandler) { m.handlers.setError(fn) }

// Emit delivers a transcription event as the backend would.
func (m *MockClient) Emit(r Result) { m.handlers.emitTranscription(r) }

// Fail delivers an error event as the backend would.
func (m *MockClient) Fail(err error) { m.handlers.emitError(err) }
