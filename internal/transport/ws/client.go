package ws

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/protocol"
)

// Link is a client's end of a websocket connection. Conn is what a
// netsync.Client sends through; In carries every message from the server and
// is closed when the connection goes away.
type Link struct {
	Conn *netsync.ChanConn
	In   <-chan []byte

	ws   *websocket.Conn
	done chan struct{}
}

// Dial connects to a server endpoint such as ws://host:port/v1/ws.
func Dial(ctx context.Context, url string) (*Link, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	in := make(chan []byte, 4096)
	l := &Link{
		Conn: netsync.NewChanConn(1024),
		In:   in,
		ws:   conn,
		done: make(chan struct{}),
	}

	go func() {
		defer close(in)
		defer l.Conn.Close(protocol.ErrConnectionLost)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case in <- msg:
			case <-l.done:
				return
			}
		}
	}()

	go func() {
		defer close(l.done)
		_ = writeLoop(context.Background(), conn, l.Conn)
		conn.Close()
	}()
	return l, nil
}

// Done is closed once the connection is fully shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Close shuts the connection down after flushing what was queued.
func (l *Link) Close() {
	l.Conn.Close(protocol.ErrQuit)
	<-l.done
}
