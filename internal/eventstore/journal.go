package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice-bridge/internal/protocol"
)

const appendTimeout = 2 * time.Second

// Journal records the messages of a single bridge run under one session id.
type Journal struct {
	store     *Store
	sessionID string
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
}

// StartSession registers a new session for this run and applies retention
// so that session-scoped journals keep only the current run.
func StartSession(ctx context.Context, store *Store, runtimeName, backend string) (*Journal, error) {
	j := &Journal{
		store:     store,
		sessionID: uuid.NewString(),
		log:       store.log,
	}
	if err := store.AppendSession(ctx, Session{ID: j.sessionID, Runtime: runtimeName, Backend: backend}); err != nil {
		return nil, fmt.Errorf("append session: %w", err)
	}
	if err := store.Prune(ctx); err != nil {
		j.log.Warn("journal prune failed", slog.String("error", err.Error()))
	}
	j.log.Debug("journal session started", slog.String("session_id", j.sessionID))
	return j, nil
}

func (j *Journal) SessionID() string {
	return j.sessionID
}

// Record appends msg to the journal. Failures are logged and never reach
// the output stream.
func (j *Journal) Record(msg protocol.Message) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || !j.store.Enabled() {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		j.log.Warn("journal encode failed", slog.String("type", msg.MessageType()), slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := j.store.AppendEvent(ctx, Event{SessionID: j.sessionID, Type: msg.MessageType(), Payload: payload}); err != nil {
		j.log.Warn("journal append failed", slog.String("type", msg.MessageType()), slog.String("error", err.Error()))
	}
}

// Close stops recording. The underlying store is left open.
func (j *Journal) Close() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
}
