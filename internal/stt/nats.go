package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice-bridge/internal/bus"
	"github.com/loqalabs/loqa-voice-bridge/internal/config"
	"github.com/loqalabs/loqa-voice-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATSClient consumes transcripts published on the loqa bus by recognizers.
type NATSClient struct {
	cfg      config.BusConfig
	log      *slog.Logger
	handlers handlerSet

	mu        sync.Mutex
	bus       *bus.Client
	subs      []*nats.Subscription
	listening atomic.Bool
}

func NewNATSClient(cfg config.BusConfig, log *slog.Logger) *NATSClient {
	return &NATSClient{
		cfg: cfg,
		log: log.With(slog.String("component", "stt-nats")),
	}
}

func (c *NATSClient) OnTranscription(fn TranscriptionHandler) { c.handlers.setTranscription(fn) }

func (c *NATSClient) OnError(fn ErrorHandler) { c.handlers.setError(fn) }

func (c *NATSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus != nil {
		return nil
	}
	client, err := bus.Connect(ctx, c.cfg, c.log, nats.ErrorHandler(c.handleAsyncError))
	if err != nil {
		return &ConnectionError{Backend: "nats", Err: err}
	}
	c.bus = client
	return nil
}

func (c *NATSClient) Subscribe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return errNotConnected
	}
	routes := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectTranscriptPartial, c.handleTranscript},
		{protocol.SubjectTranscriptFinal, c.handleTranscript},
		{protocol.SubjectSTTError, c.handleBusError},
	}
	for _, route := range routes {
		sub, err := c.bus.Conn().Subscribe(route.subject, route.handler)
		if err != nil {
			c.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", route.subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return c.bus.Conn().Flush()
}

func (c *NATSClient) StartListening(_ context.Context) error {
	c.listening.Store(true)
	if err := c.publishControl(true); err != nil {
		c.listening.Store(false)
		return err
	}
	return nil
}

func (c *NATSClient) StopListening() error {
	if !c.listening.Swap(false) {
		return nil
	}
	return c.publishControl(false)
}

func (c *NATSClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return nil
	}
	c.unsubscribeLocked()
	c.bus.Close()
	c.bus = nil
	return nil
}

// Healthy reports whether the bus connection is up.
func (c *NATSClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Healthy()
}

func (c *NATSClient) unsubscribeLocked() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

func (c *NATSClient) publishControl(listening bool) error {
	c.mu.Lock()
	client := c.bus
	c.mu.Unlock()
	if client == nil {
		return errNotConnected
	}
	data, err := json.Marshal(protocol.ListenControl{Listening: listening, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := client.Conn().Publish(protocol.SubjectListenControl, data); err != nil {
		return fmt.Errorf("publish listen control: %w", err)
	}
	return client.Conn().Flush()
}

func (c *NATSClient) handleTranscript(msg *nats.Msg) {
	if !c.listening.Load() {
		return
	}
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		c.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	final := !transcript.Partial
	result := Result{
		Text:       transcript.Text,
		Confidence: transcript.Confidence,
		IsFinal:    &final,
	}
	if transcript.Language != "" {
		lang := transcript.Language
		result.Language = &lang
	}
	c.handlers.emitTranscription(result)
}

func (c *NATSClient) handleBusError(msg *nats.Msg) {
	var payload protocol.BusError
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.log.Warn("failed to decode stt error", slogError(err))
		return
	}
	if payload.Error == "" {
		payload.Error = "stt backend reported an error"
	}
	c.handlers.emitError(errors.New(payload.Error))
}

func (c *NATSClient) handleAsyncError(_ *nats.Conn, _ *nats.Subscription, err error) {
	if err == nil {
		return
	}
	c.log.Warn("nats async error", slogError(err))
	c.handlers.emitError(err)
}
