package connmgr

import (
	"context"
	"net/http"

	"github.com/danmuck/homelink/internal/transport"
)

// WebSocket adapts a transport dialer to the manager's Dialer.
func WebSocket(d *transport.WebSocketDialer) Dialer {
	return DialerFunc(func(ctx context.Context, url string, header http.Header) (Link, error) {
		conn, err := d.Dial(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
