package gossip

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"reasoningbank/pkg/bankerr"
)

// WebsocketDialer dials peers over gorilla/websocket, the same
// transport internal/bus serves on. *websocket.Conn already satisfies
// wireConn, so no adapter type is needed.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, address string) (wireConn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, address, d.Header)
	if err != nil {
		return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "dial gossip peer", err)
	}
	return conn, nil
}
