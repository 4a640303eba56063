package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn wraps one websocket connection with an outbound queue drained by a
// single writer goroutine, the only place that touches the socket for
// writes. Frames are dropped with an error (not blocked on) when the queue
// is full.
type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, queueSize int) *wsConn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

func (w *wsConn) enqueue(b []byte) error {
	select {
	case <-w.closed:
		return errClosed
	default:
	}
	select {
	case w.send <- b:
		return nil
	default:
		return errQueueFull
	}
}

// writePump drains the queue and keeps the connection alive with pings.
// Runs until close() or a write error; always closes the socket on exit so
// the read loop unblocks.
func (w *wsConn) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case <-w.closed:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case b := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *wsConn) close() {
	w.closeOnce.Do(func() { close(w.closed) })
}
