package bus

import (
	"bytes"

	"github.com/gorilla/websocket"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// wireConn is the transport surface the bus needs from a connection.
// *websocket.Conn satisfies it; tests substitute an in-memory fake so
// session/stream logic runs without a real socket.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// sendFrame encodes f and writes it as a single binary websocket
// message: one frame per message, so message boundaries double as
// frame boundaries and the codec never has to reassemble a stream.
func sendFrame(conn wireConn, f frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.Write(&buf, f); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "write frame", err)
	}
	return nil
}

// recvFrame reads one websocket message and decodes it as a frame.
func recvFrame(conn wireConn, knownKinds map[types.FrameKind]bool) (frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return frame.Frame{}, bankerr.Wrap(bankerr.KindStorageUnavailable, "read frame", err)
	}
	return frame.Read(bytes.NewReader(data), knownKinds)
}
