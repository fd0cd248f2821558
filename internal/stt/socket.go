package stt

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"time"
)

const maxFrameSize = 1 << 20

// lineConn frames JSON documents as newline-terminated lines.
type lineConn struct {
	scanner *bufio.Scanner
	w       io.Writer
	closer  func() error
}

func newLineConn(r io.Reader, w io.Writer, closer func() error) *lineConn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &lineConn{scanner: scanner, w: w, closer: closer}
}

func (l *lineConn) ReadFrame() ([]byte, error) {
	if !l.scanner.Scan() {
		if err := l.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return bytes.Clone(l.scanner.Bytes()), nil
}

func (l *lineConn) WriteFrame(data []byte) error {
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	_, err := l.w.Write(line)
	return err
}

func (l *lineConn) Close() error { return l.closer() }

func socketDialer(path string, timeout time.Duration) dialFunc {
	return func(ctx context.Context) (frameConn, error) {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, err
		}
		return newLineConn(conn, conn, conn.Close), nil
	}
}
