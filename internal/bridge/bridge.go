// Package bridge relays STT client events to a parent process as
// line-delimited JSON on an output stream.
//
// A Bridge owns exactly one stt.Client. Run connects it, registers the
// transcription and error handlers, starts listening and then blocks until
// the context is cancelled or Shutdown is called. Startup failures are
// reported as an error line and end the run; backend error events are
// reported and the run continues. Cleanup never fails outward.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice-bridge/internal/protocol"
	"github.com/loqalabs/loqa-voice-bridge/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultCleanupTimeout = 3 * time.Second

// ErrStopped is returned by Run when the bridge was shut down before it ran.
var ErrStopped = errors.New("bridge already shut down")

// Observer is notified after a message has been written. Observers see
// messages in output order.
type Observer func(protocol.Message)

// Hooks receive lifecycle notifications for metrics. All fields are optional.
type Hooks struct {
	StartupFailed func(step string, err error)
	CleanupFailed func(step string, err error)
	StateChanged  func(State)
}

type Option func(*Bridge)

func WithObserver(obs Observer) Option {
	return func(b *Bridge) { b.observers = append(b.observers, obs) }
}

func WithHooks(h Hooks) Option {
	return func(b *Bridge) { b.hooks = h }
}

func WithCleanupTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.cleanupTimeout = d
		}
	}
}

type Bridge struct {
	client         stt.Client
	out            *protocol.Writer
	log            *slog.Logger
	tracer         trace.Tracer
	observers      []Observer
	hooks          Hooks
	cleanupTimeout time.Duration

	mu      sync.Mutex
	state   State
	started bool

	emitMu sync.Mutex

	stop         chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	terminated   chan struct{}
}

func New(client stt.Client, out *protocol.Writer, log *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		client:         client,
		out:            out,
		log:            log.With(slog.String("component", "bridge")),
		tracer:         otel.Tracer("github.com/loqalabs/loqa-voice-bridge/bridge"),
		cleanupTimeout: defaultCleanupTimeout,
		state:          StateCreated,
		stop:           make(chan struct{}),
		terminated:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.log.Debug("state changed", slog.String("state", s.String()))
	if b.hooks.StateChanged != nil {
		b.hooks.StateChanged(s)
	}
}

// Run starts the bridge and blocks until ctx is cancelled or Shutdown is
// called, then cleans up. The returned error is the startup failure, if
// any; it has already been reported on the output stream.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.claim() {
		return ErrStopped
	}
	if err := b.start(ctx); err != nil {
		if ctx.Err() == nil {
			b.emit(protocol.NewError(err))
		}
		b.shutdown()
		return err
	}

	b.log.Info("listening for transcriptions")
	select {
	case <-ctx.Done():
		b.log.Info("termination requested")
	case <-b.stop:
		b.log.Info("shutdown requested")
	}
	b.shutdown()
	return nil
}

// claim marks the bridge as running. It fails once Shutdown has been
// requested or Run has already been called.
func (b *Bridge) claim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.state != StateCreated {
		return false
	}
	select {
	case <-b.stop:
		return false
	default:
	}
	b.started = true
	return true
}

// Shutdown asks a running bridge to stop and waits for cleanup to finish.
// It is safe to call from any goroutine and more than once. A bridge that
// never ran is terminated directly and a later Run returns ErrStopped.
func (b *Bridge) Shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		b.shutdown()
	}
	<-b.terminated
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.step(ctx, "connect", b.client.Connect); err != nil {
		return err
	}
	b.setState(StateConnected)
	b.emit(protocol.Connected())

	b.client.OnTranscription(b.handleTranscription)
	b.client.OnError(b.handleError)

	if err := b.step(ctx, "subscribe", b.client.Subscribe); err != nil {
		return err
	}
	if err := b.step(ctx, "start_listening", b.client.StartListening); err != nil {
		return err
	}
	b.setState(StateListening)
	b.emit(protocol.Listening())
	return nil
}

func (b *Bridge) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "stt."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.log.Error("startup step failed", slog.String("step", name), slogError(err))
		if b.hooks.StartupFailed != nil {
			b.hooks.StartupFailed(name, err)
		}
		return err
	}
	span.SetAttributes(attribute.Bool("ok", true))
	return nil
}

func (b *Bridge) handleTranscription(r stt.Result) {
	b.emit(protocol.NewTranscription(r.Text, r.Confidence, r.Language, r.IsFinal))
}

func (b *Bridge) handleError(err error) {
	b.log.Warn("stt backend error", slogError(err))
	b.emit(protocol.NewError(err))
}

func (b *Bridge) emit(msg protocol.Message) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.emitLocked(msg)
}

func (b *Bridge) emitLocked(msg protocol.Message) {
	err := b.out.Emit(msg)
	switch {
	case err == nil:
		for _, obs := range b.observers {
			obs(msg)
		}
	case errors.Is(err, protocol.ErrWriterClosed):
		b.log.Debug("dropping message after shutdown", slog.String("type", msg.MessageType()))
	default:
		b.log.Error("failed to write message", slog.String("type", msg.MessageType()), slogError(err))
		if _, isErr := msg.(protocol.Error); !isErr {
			b.emitLocked(protocol.NewError(err))
		}
	}
}

// shutdown closes the output gate, then stops and disconnects the client.
// Cleanup errors are logged and swallowed; a hung client is abandoned after
// the cleanup timeout.
func (b *Bridge) shutdown() {
	b.shutdownOnce.Do(func() {
		defer close(b.terminated)
		b.setState(StateShuttingDown)
		b.out.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			b.cleanup("stop_listening", b.client.StopListening)
			b.cleanup("disconnect", b.client.Disconnect)
		}()
		select {
		case <-done:
		case <-time.After(b.cleanupTimeout):
			b.log.Warn("client cleanup timed out", slog.Duration("timeout", b.cleanupTimeout))
			b.cleanupFailed("timeout", fmt.Errorf("cleanup exceeded %s", b.cleanupTimeout))
		}
		b.setState(StateTerminated)
		b.log.Info("bridge terminated")
	})
}

func (b *Bridge) cleanup(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.cleanupFailed(name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		b.cleanupFailed(name, err)
	}
}

func (b *Bridge) cleanupFailed(name string, err error) {
	b.log.Warn("cleanup step failed", slog.String("step", name), slogError(err))
	if b.hooks.CleanupFailed != nil {
		b.hooks.CleanupFailed(name, err)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
