package gossip

import (
	"bytes"
	"context"

	"github.com/gorilla/websocket"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// wireConn mirrors internal/bus's transport port: *websocket.Conn
// already satisfies it, so no adapter is needed in WebsocketDialer.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func sendFrame(conn wireConn, f frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.Write(&buf, f); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "write gossip frame", err)
	}
	return nil
}

func recvFrame(conn wireConn, knownKinds map[types.FrameKind]bool) (frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return frame.Frame{}, bankerr.Wrap(bankerr.KindStorageUnavailable, "read gossip frame", err)
	}
	return frame.Read(bytes.NewReader(data), knownKinds)
}

type frameOrErr struct {
	frame frame.Frame
	err   error
}

// recvFrameCtx reads one frame honoring ctx's deadline, same pattern
// as internal/bus's handshake reader: a blocking read races against
// ctx.Done() on a background goroutine, which may outlive the call if
// the read never returns — callers close conn on timeout to free it.
func recvFrameCtx(ctx context.Context, conn wireConn, known map[types.FrameKind]bool) (frame.Frame, error) {
	ch := make(chan frameOrErr, 1)
	go func() {
		f, err := recvFrame(conn, known)
		ch <- frameOrErr{frame: f, err: err}
	}()
	select {
	case item := <-ch:
		return item.frame, item.err
	case <-ctx.Done():
		return frame.Frame{}, bankerr.Wrap(bankerr.KindCancelled, "gossip exchange cancelled", ctx.Err())
	}
}
