package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrWriterClosed is returned by Emit once the writer has been closed.
var ErrWriterClosed = errors.New("protocol writer closed")

type flusher interface {
	Flush() error
}

// Writer serializes messages as newline-terminated JSON. Each line is written
// with a single Write call under a mutex so concurrent emitters never
// interleave. os.Stdout is unbuffered; buffered destinations implementing
// Flush are flushed before the lock is released. The closed gate is separate
// from the mutex so Close never waits behind a stalled Write.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	closed atomic.Bool
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Emit writes msg as one line. HTML characters in strings are written as-is.
func (w *Writer) Emit(msg Message) error {
	if w.closed.Load() {
		return ErrWriterClosed
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("encode %s message: %w", msg.MessageType(), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrWriterClosed
	}
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write %s message: %w", msg.MessageType(), err)
	}
	if f, ok := w.out.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush %s message: %w", msg.MessageType(), err)
		}
	}
	return nil
}

// Close stops further output without waiting for an in-flight Emit.
func (w *Writer) Close() {
	w.closed.Store(true)
}
