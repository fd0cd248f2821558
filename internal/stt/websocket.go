package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteFrame(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.conn.Close()
}

func websocketDialer(url string, timeout time.Duration) dialFunc {
	return func(ctx context.Context) (frameConn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			}
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
}
