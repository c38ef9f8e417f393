package session

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskcall/voxgate/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 * 1024 * 1024 // 1 MB; audio chunks are base64-inflated JSON

	sendBufferSize = 256
)

// browserSocket wraps the browser-facing WebSocket connection: a buffered
// send channel drained by a dedicated write-pump goroutine, and a read pump
// that never writes to the connection directly, so reads and writes never
// race on the same conn.
type browserSocket struct {
	conn *websocket.Conn
	send chan []byte

	closed chan struct{}
}

func newBrowserSocket(conn *websocket.Conn) *browserSocket {
	return &browserSocket{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// readPump forwards each text frame's raw bytes to onMessage until the
// connection errors or closes, then calls onClose exactly once.
func (b *browserSocket) readPump(onMessage func([]byte), onClose func()) {
	defer func() {
		close(b.closed)
		b.conn.Close() //nolint:errcheck,gosec // defer cleanup
		onClose()
	}()

	b.conn.SetReadLimit(maxMessageSize)
	b.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck,gosec // websocket setup
	b.conn.SetPongHandler(func(string) error {
		b.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck,gosec // pong handler
		return nil
	})

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("browser websocket error", "error", err)
			}

			return
		}

		onMessage(data)
	}
}

func (b *browserSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		b.conn.Close() //nolint:errcheck,gosec // defer cleanup
	}()

	for {
		select {
		case message, ok := <-b.send:
			b.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck,gosec // websocket timing

			if !ok {
				b.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck,gosec // close message
				return
			}

			if err := b.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			b.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck,gosec // ping timing

			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON marshals v and enqueues it, dropping the message if the buffer
// is saturated rather than blocking the actor loop.
func (b *browserSocket) sendJSON(v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		logger.ErrorErr(err, "failed to marshal browser message")
		return
	}

	select {
	case b.send <- encoded:
	default:
		logger.Warn("browser send buffer full, dropping message")
	}
}

// writeJSONSync marshals v and writes it directly to the connection,
// bypassing send/writePump. Only safe to call before writePump has started,
// since afterwards the two would race writes on the same conn.
func (b *browserSocket) writeJSONSync(v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}

	b.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck,gosec // websocket timing
	return b.conn.WriteMessage(websocket.TextMessage, encoded)
}

// closeWithCode sends a close frame carrying code and reason, then closes
// the underlying connection. Safe to call more than once.
func (b *browserSocket) closeWithCode(code int, reason string) {
	select {
	case <-b.closed:
		return
	default:
	}

	deadline := time.Now().Add(writeWait)
	closeMsg := websocket.FormatCloseMessage(code, reason)
	b.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline) //nolint:errcheck,gosec // best-effort close
	b.conn.Close()                                                  //nolint:errcheck,gosec // idempotent
}
