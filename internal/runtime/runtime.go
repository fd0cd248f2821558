package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice-bridge/internal/bridge"
	"github.com/loqalabs/loqa-voice-bridge/internal/config"
	"github.com/loqalabs/loqa-voice-bridge/internal/eventstore"
	"github.com/loqalabs/loqa-voice-bridge/internal/natsserver"
	"github.com/loqalabs/loqa-voice-bridge/internal/protocol"
	"github.com/loqalabs/loqa-voice-bridge/internal/stt"
	"github.com/loqalabs/loqa-voice-bridge/internal/telemetry"
)

const teardownTimeout = 5 * time.Second

// Runtime assembles the bridge and its supporting services for one run.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
	client stt.Client

	mu         sync.Mutex
	bridge     *bridge.Bridge
	active     stt.Client
	httpServer *http.Server
	httpAddr   net.Addr
	wg         sync.WaitGroup
}

type Option func(*Runtime)

// WithClient replaces the client that would be built from cfg.STT.
func WithClient(c stt.Client) Option {
	return func(r *Runtime) { r.client = c }
}

// New prepares a runtime writing protocol lines to out.
func New(cfg config.Config, logger *slog.Logger, out io.Writer, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		out:    out,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks until ctx is cancelled or the bridge fails to start. A returned
// error has already been reported on the output stream.
func (r *Runtime) Run(ctx context.Context) error {
	out := protocol.NewWriter(r.out)

	var teardown []func(context.Context)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i](shutdownCtx)
		}
	}()

	var opts []bridge.Option
	var metricsHandler http.Handler
	hooks := bridge.Hooks{}

	tel, err := telemetry.Setup(ctx, r.cfg, r.logger)
	if err != nil {
		r.logger.Warn("telemetry disabled", slogError(err))
	} else {
		teardown = append(teardown, func(ctx context.Context) {
			if err := tel.Shutdown(ctx); err != nil {
				r.logger.Error("telemetry shutdown error", slogError(err))
			}
		})
		metricsHandler = tel.MetricsHandler()
		if m, err := telemetry.NewMetrics(tel.Meter()); err != nil {
			r.logger.Warn("bridge metrics disabled", slogError(err))
		} else {
			opts = append(opts, bridge.WithObserver(m.Observe))
			hooks = m.Hooks(hooks)
		}
	}

	if journal, store := r.openJournal(ctx); journal != nil {
		teardown = append(teardown, func(context.Context) {
			journal.Close()
			if err := store.Close(); err != nil {
				r.logger.Error("journal close error", slogError(err))
			}
		})
		opts = append(opts, bridge.WithObserver(journal.Record))
	}

	busCfg := r.cfg.Bus
	if r.client == nil && r.cfg.STT.Mode == "nats" && busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return r.startupFailed(out, fmt.Errorf("embedded bus: %w", err))
		}
		teardown = append(teardown, func(context.Context) { srv.Shutdown() })
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client := r.client
	if client == nil {
		client, err = stt.NewFromConfig(r.cfg.STT, busCfg, r.logger)
		if err != nil {
			return r.startupFailed(out, err)
		}
	}

	opts = append(opts,
		bridge.WithHooks(hooks),
		bridge.WithCleanupTimeout(time.Duration(r.cfg.Bridge.CleanupTimeoutMS)*time.Millisecond),
	)
	b := bridge.New(client, out, r.logger, opts...)
	r.mu.Lock()
	r.bridge = b
	r.active = client
	r.mu.Unlock()

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(metricsHandler); err != nil {
			r.logger.Warn("http server disabled", slogError(err))
		} else {
			teardown = append(teardown, r.stopHTTP)
		}
	}

	r.logger.Info("runtime started", slog.String("stt_mode", r.cfg.STT.Mode))
	err = b.Run(ctx)
	r.logger.Info("runtime stopping")
	return err
}

func (r *Runtime) startupFailed(out *protocol.Writer, err error) error {
	r.logger.Error("bridge startup failed", slogError(err))
	if emitErr := out.Emit(protocol.NewError(err)); emitErr != nil {
		r.logger.Error("failed to write message", slogError(emitErr))
	}
	out.Close()
	return err
}

// openJournal returns nil when the journal is ephemeral or unusable.
func (r *Runtime) openJournal(ctx context.Context) (*eventstore.Journal, *eventstore.Store) {
	store, err := eventstore.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		r.logger.Warn("journal disabled", slogError(err))
		return nil, nil
	}
	if !store.Enabled() {
		return nil, nil
	}
	journal, err := eventstore.StartSession(ctx, store, r.cfg.RuntimeName, r.cfg.STT.Mode)
	if err != nil {
		r.logger.Warn("journal disabled", slogError(err))
		_ = store.Close()
		return nil, nil
	}
	r.logger.Info("journal session started", slog.String("session_id", journal.SessionID()))
	return journal, store
}

func (r *Runtime) startHTTP(metrics http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.mu.Lock()
	r.httpServer = srv
	r.httpAddr = ln.Addr()
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (r *Runtime) stopHTTP(ctx context.Context) {
	r.mu.Lock()
	srv := r.httpServer
	r.mu.Unlock()
	if err := srv.Shutdown(ctx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
}

// HTTPAddr is the bound address of the health server, or nil when it is not
// running.
func (r *Runtime) HTTPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.httpAddr
}

// healthChecker is implemented by clients with a connection that can drop
// independently of the bridge state, such as the bus transport.
type healthChecker interface {
	Healthy() bool
}

func (r *Runtime) listening() bool {
	r.mu.Lock()
	b, client := r.bridge, r.active
	r.mu.Unlock()
	if b == nil || b.State() != bridge.StateListening {
		return false
	}
	if hc, ok := client.(healthChecker); ok && !hc.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.listening() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
