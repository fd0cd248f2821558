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
)

// Commands understood by the RT-STT daemon.
const (
	commandSubscribe      = "subscribe"
	commandStartListening = "start_listening"
	commandStopListening  = "stop_listening"
)

var errNotConnected = errors.New("stt client not connected")

type request struct {
	ID      uint64 `json:"id"`
	Command string `json:"command"`
}

// envelope is any frame sent by the daemon: a command response or an event.
type envelope struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// frameConn moves whole JSON frames. Implementations need not support
// concurrent writers.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

type dialFunc func(ctx context.Context) (frameConn, error)

// streamClient speaks the daemon request/response + event protocol over any
// frameConn.
type streamClient struct {
	backend        string
	dial           dialFunc
	requestTimeout time.Duration
	log            *slog.Logger
	handlers       handlerSet

	mu         sync.Mutex
	conn       frameConn
	pending    map[uint64]chan envelope
	readerDone chan struct{}
	closing    bool

	writeMu   sync.Mutex
	nextID    atomic.Uint64
	listening atomic.Bool
}

func newStreamClient(backend string, dial dialFunc, requestTimeout time.Duration, log *slog.Logger) *streamClient {
	return &streamClient{
		backend:        backend,
		dial:           dial,
		requestTimeout: requestTimeout,
		log:            log.With(slog.String("component", "stt-client"), slog.String("backend", backend)),
	}
}

func (c *streamClient) OnTranscription(fn TranscriptionHandler) { c.handlers.setTranscription(fn) }

func (c *streamClient) OnError(fn ErrorHandler) { c.handlers.setError(fn) }

func (c *streamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return &ConnectionError{Backend: c.backend, Err: err}
	}
	c.conn = conn
	c.pending = make(map[uint64]chan envelope)
	c.readerDone = make(chan struct{})
	c.closing = false
	go c.readLoop(conn, c.readerDone)
	c.log.Info("connected to stt backend")
	return nil
}

func (c *streamClient) Subscribe(ctx context.Context) error {
	return c.request(ctx, commandSubscribe)
}

func (c *streamClient) StartListening(ctx context.Context) error {
	// Events may trail the response on the wire, so open the gate first.
	c.listening.Store(true)
	if err := c.request(ctx, commandStartListening); err != nil {
		c.listening.Store(false)
		return err
	}
	return nil
}

func (c *streamClient) StopListening() error {
	if !c.listening.Swap(false) {
		return nil
	}
	return c.request(context.Background(), commandStopListening)
}

func (c *streamClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readerDone
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.conn = nil
	c.mu.Unlock()

	c.listening.Store(false)
	err := conn.Close()
	<-done
	c.log.Info("disconnected from stt backend")
	return err
}

func (c *streamClient) request(ctx context.Context, command string) error {
	c.mu.Lock()
	conn := c.conn
	done := c.readerDone
	if conn == nil {
		c.mu.Unlock()
		return errNotConnected
	}
	id := c.nextID.Add(1)
	reply := make(chan envelope, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer c.forget(id)

	data, err := json.Marshal(request{ID: id, Command: command})
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}
	c.writeMu.Lock()
	err = conn.WriteFrame(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if !resp.Success {
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			return fmt.Errorf("%s rejected by stt backend", command)
		}
		return nil
	case <-done:
		return fmt.Errorf("%s: connection closed", command)
	case <-timer.C:
		return fmt.Errorf("%s: no response within %s", command, c.requestTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *streamClient) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *streamClient) readLoop(conn frameConn, done chan struct{}) {
	defer close(done)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.log.Warn("stt connection lost", slogError(err))
				c.handlers.emitError(fmt.Errorf("stt connection lost: %w", err))
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		c.dispatch(frame)
	}
}

func (c *streamClient) dispatch(frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.log.Warn("failed to decode stt frame", slogError(err))
		return
	}
	switch env.Type {
	case "response":
		c.mu.Lock()
		reply := c.pending[env.ID]
		c.mu.Unlock()
		if reply != nil {
			select {
			case reply <- env:
			default:
			}
		}
	case "transcription":
		if !c.listening.Load() {
			return
		}
		var result Result
		if err := json.Unmarshal(env.Data, &result); err != nil {
			c.log.Warn("failed to decode transcription", slogError(err))
			return
		}
		c.handlers.emitTranscription(result)
	case "error":
		msg := env.Error
		if msg == "" {
			msg = "stt backend reported an error"
		}
		c.handlers.emitError(errors.New(msg))
	default:
		c.log.Debug("ignoring stt frame", slog.String("type", env.Type))
	}
}
