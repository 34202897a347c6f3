package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/protocol"
)

const (
	writeWait = 5 * time.Second
	// readWait bounds silence from a peer. Active clients ack at least once
	// a simulated day, so this is generous.
	readWait  = 60 * time.Second
	leaveWait = 5 * time.Second
)

type ServerConfig struct {
	Log logrus.FieldLogger
	// SendQueue is the number of encoded messages buffered per connection
	// before the session is dropped as too slow.
	SendQueue int
}

// Server adapts websocket connections to a netsync.Server. The netsync loop
// never touches a socket: each connection gets a writer goroutine draining
// its queue and a reader loop feeding the server inbox.
type Server struct {
	srv      *netsync.Server
	log      logrus.FieldLogger
	queue    int
	upgrader websocket.Upgrader
}

func NewServer(srv *netsync.Server, cfg ServerConfig) *Server {
	logger := cfg.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 4096
	}
	return &Server{
		srv:   srv,
		log:   logger.WithField("component", "ws"),
		queue: cfg.SendQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.log.WithError(err).WithField("addr", r.RemoteAddr).Debug("upgrade failed")
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		out := netsync.NewChanConn(s.queue)
		h, err := s.srv.Attach(ctx, out, r.RemoteAddr)
		if err != nil {
			closeWith(conn, websocket.CloseTryAgainLater, err.Error())
			return
		}
		logger := s.log.WithFields(logrus.Fields{"addr": r.RemoteAddr, "handle": h.String()})

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			if err := writeLoop(ctx, conn, out); err != nil {
				logger.WithError(err).Debug("write")
			}
			cancel()
			// Unblocks the reader.
			_ = conn.SetReadDeadline(time.Now())
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			select {
			case s.srv.Inbox() <- netsync.Inbound{Handle: h, Data: msg}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		// Cleanup.
		cancel()
		<-writerDone
		select {
		case s.srv.Leave() <- h:
		case <-time.After(leaveWait):
			logger.Warn("server did not take the leave notice")
		}
	}
}

// writeLoop sends queued messages until ctx is done or the session is
// closed. Whatever the session queued before closing, such as its
// Disconnect message, still goes out.
func writeLoop(ctx context.Context, conn *websocket.Conn, out *netsync.ChanConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-out.Out():
			if err := writeMessage(conn, b); err != nil {
				return err
			}
		case <-out.Done():
			for _, b := range out.Drain() {
				if err := writeMessage(conn, b); err != nil {
					return err
				}
			}
			closeWith(conn, websocket.CloseNormalClosure, out.Reason())
			return nil
		}
	}
}

func writeMessage(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	if reason == "" {
		reason = protocol.ErrGeneral
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
