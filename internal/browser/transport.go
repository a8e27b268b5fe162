package browser

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// transport carries whole DevTools messages. Reads happen on the receive
// goroutine only; writes may come from any goroutine.
type transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type wsTransport struct {
	conn net.Conn
	rw   io.ReadWriter
	wmu  sync.Mutex
}

func dialWebSocket(ctx context.Context, url string) (transport, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial devtools websocket: %w", err)
	}
	var rw io.ReadWriter = conn
	if br != nil {
		// The server already sent frames along with the handshake.
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}
	return &wsTransport{conn: conn, rw: rw}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	return wsutil.ReadServerText(t.rw)
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return wsutil.WriteClientText(t.rw, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
