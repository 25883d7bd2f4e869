package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

const (
	// MaxFrameBytes caps the decoded image of one frame action.
	MaxFrameBytes = 2 << 20
	// MaxMessageBytes is the connection read limit: a maximal frame after
	// base64 encoding plus room for the rest of the message.
	MaxMessageBytes = MaxFrameBytes/3*4 + 64<<10
)

// WriteTyped sends a strongly-typed event payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorEvent over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorEvent{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadMessage reads one raw text message. It sets a read deadline, so a
// silent client is dropped after readWait.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	return data, err
}
