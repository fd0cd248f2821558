package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice-bridge/internal/config"
)

// Result is a single transcription event. Language and IsFinal are nil when
// the backend did not send them.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   *string `json:"language,omitempty"`
	IsFinal    *bool   `json:"is_final,omitempty"`
}

// TranscriptionHandler receives transcription events.
type TranscriptionHandler func(Result)

// ErrorHandler receives backend error events.
type ErrorHandler func(error)

// Client is a streaming STT backend connection. Handlers may be invoked from
// any goroutine once registered.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(ctx context.Context) error
	StartListening(ctx context.Context) error
	StopListening() error
	OnTranscription(TranscriptionHandler)
	OnError(ErrorHandler)
}

// ConnectionError reports an unreachable backend. Its message is the
// underlying reason so consumers see what the backend or dialer said.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection to " + e.Backend + " failed"
	}
	return e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewFromConfig builds the client selected by cfg.Mode.
func NewFromConfig(cfg config.STTConfig, busCfg config.BusConfig, log *slog.Logger) (Client, error) {
	connectTimeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	requestTimeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "socket":
		return newStreamClient("rt-stt socket", socketDialer(cfg.SocketPath, connectTimeout), requestTimeout, log), nil
	case "websocket":
		return newStreamClient("rt-stt websocket", websocketDialer(cfg.URL, connectTimeout), requestTimeout, log), nil
	case "exec":
		dial, err := execDialer(cfg.Command, log)
		if err != nil {
			return nil, err
		}
		return newStreamClient("rt-stt command", dial, requestTimeout, log), nil
	case "nats":
		return NewNATSClient(busCfg, log), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

type handlerSet struct {
	mu              sync.RWMutex
	onTranscription TranscriptionHandler
	onError         ErrorHandler
}

func (h *handlerSet) setTranscription(fn TranscriptionHandler) {
	h.mu.Lock()
	h.onTranscription = fn
	h.mu.Unlock()
}

func (h *handlerSet) setError(fn ErrorHandler) {
	h.mu.Lock()
	h.onError = fn
	h.mu.Unlock()
}

func (h *handlerSet) emitTranscription(r Result) {
	h.mu.RLock()
	fn := h.onTranscription
	h.mu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

func (h *handlerSet) emitError(err error) {
	h.mu.RLock()
	fn := h.onError
	h.mu.RUnlock()
	if fn != nil && err != nil {
		fn(err)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
