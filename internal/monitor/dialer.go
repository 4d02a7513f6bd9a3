package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeTimeout bounds the websocket upgrade, matching the bounded
// request/response model of every other engine call.
const handshakeTimeout = 10 * time.Second

// WSDialer dials the engine's websocket push channel.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial push channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return conn, nil
}
