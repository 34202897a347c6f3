package netsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
	"tilesync.dev/internal/sim/tuning"
	"tilesync.dev/internal/sim/world"
)

const seedHistory = 128

type Config struct {
	Net        tuning.Network
	ServerName string
	// Password is the plain server password; empty means none. Only its
	// bcrypt hash is kept.
	Password   string
	MaxClients int
	// SnapshotEveryFrames offers a snapshot to the sink every N frames.
	SnapshotEveryFrames uint32
}

func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		Net:                 t.Network,
		ServerName:          t.Server.Name,
		Password:            t.Server.Password,
		MaxClients:          t.Server.MaxClients,
		SnapshotEveryFrames: t.Persist.SnapshotEveryFrames,
	}
}

type ServerOptions struct {
	Log      logrus.FieldLogger
	FrameLog FrameLogger
	Audit    AuditLogger
	// SnapshotSink receives periodic snapshots; a full sink drops them.
	SnapshotSink chan<- snapshot.SnapshotV1
	// StartFrame is the frame of the snapshot w was loaded from.
	StartFrame uint32
}

type Inbound struct {
	Handle Handle
	Data   []byte
}

type attachReq struct {
	conn Conn
	addr string
	resp chan Handle
}

type submitReq struct {
	env  action.Envelope
	resp chan action.Cost
}

// Server is the authoritative peer. All of its state is owned by the loop
// goroutine; other goroutines talk to it through Attach, Inbox, Leave and
// Submit. The synchronous methods (Connect, Receive, Drop, Tick,
// SubmitAction) must only be called from that goroutine.
type Server struct {
	cfg          Config
	log          logrus.FieldLogger
	world        *world.World
	proc         *action.Processor
	sched        *tick.Scheduler
	dayTicks     uint32
	pauseLevel   action.PauseLevel
	passwordHash []byte

	sessions     arena
	nextClientID action.ClientID
	localWait    tick.Queue
	localRef     uint32
	arrival      uint64
	tokenSeq     uint32
	joinPaused   bool

	lastSyncFrame uint32
	seeds         map[uint32]uint64
	seedFrames    []uint32

	executed []CommandRecord

	frameLog     FrameLogger
	audit        AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1
	onJoined     []func(PeerInfo)
	onLeft       []func(PeerInfo, string)

	frame       atomic.Uint32
	nSessions   atomic.Int32
	nActive     atomic.Int32
	commands    atomic.Uint64
	desyncs     atomic.Uint64
	divergences atomic.Uint64

	attach   chan attachReq
	inbox    chan Inbound
	leave    chan Handle
	submit   chan submitReq
	stop     chan struct{}
	stopOnce sync.Once
}

func NewServer(w *world.World, cfg Config, opts ServerOptions) (*Server, error) {
	if err := validateNet(cfg.Net); err != nil {
		return nil, err
	}
	level, _ := action.ParsePauseLevel(cfg.Net.PauseLevel)
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 25
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "tilesync"
	}
	logger := opts.Log
	if logger == nil {
		logger = discardLogger()
	}
	s := &Server{
		cfg:          cfg,
		log:          logger.WithField("component", "server"),
		world:        w,
		dayTicks:     uint32(w.DayTicks()),
		pauseLevel:   level,
		nextClientID: action.ServerClient + 1,
		seeds:        make(map[uint32]uint64, seedHistory),
		frameLog:     opts.FrameLog,
		audit:        opts.Audit,
		snapshotSink: opts.SnapshotSink,
		attach:       make(chan attachReq, 16),
		inbox:        make(chan Inbound, 1024),
		leave:        make(chan Handle, 64),
		submit:       make(chan submitReq, 64),
		stop:         make(chan struct{}),
	}
	if cfg.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash server password: %w", err)
		}
		s.passwordHash = h
		s.cfg.Password = ""
	}
	proc, err := world.NewProcessor(w, action.Options{PauseLevel: level, Log: s.log})
	if err != nil {
		return nil, err
	}
	s.proc = proc
	s.sched = tick.NewScheduler(w, executorFunc(s.executeCommand))
	s.sched.Reset(opts.StartFrame)
	s.lastSyncFrame = opts.StartFrame
	s.frame.Store(opts.StartFrame)
	return s, nil
}

func validateNet(n tuning.Network) error {
	switch {
	case n.SyncFreq == 0:
		return errors.New("netsync: sync_freq must be positive")
	case n.CommandsPerFrame <= 0:
		return errors.New("netsync: commands_per_frame must be positive")
	case n.SnapshotChunkBytes <= 0 || n.SnapshotMaxBatch <= 0:
		return errors.New("netsync: snapshot chunking must be positive")
	}
	if _, ok := action.ParsePauseLevel(n.PauseLevel); !ok {
		return fmt.Errorf("netsync: unknown pause level %q", n.PauseLevel)
	}
	return nil
}

type executorFunc func(tick.Command) error

func (f executorFunc) ExecuteCommand(c tick.Command) error { return f(c) }

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OnPeerJoined registers fn to run when a peer finishes loading the snapshot.
func (s *Server) OnPeerJoined(fn func(PeerInfo)) { s.onJoined = append(s.onJoined, fn) }

// OnPeerLeft registers fn to run when a joined peer goes away.
func (s *Server) OnPeerLeft(fn func(p PeerInfo, reason string)) { s.onLeft = append(s.onLeft, fn) }

// CurrentFrame is safe to call from any goroutine.
func (s *Server) CurrentFrame() uint32 { return s.frame.Load() }

func (s *Server) World() *world.World { return s.world }

type Stats struct {
	Frame       uint32
	Sessions    int
	Active      int
	Commands    uint64
	Desyncs     uint64
	Divergences uint64
}

// Stats is safe to call from any goroutine.
func (s *Server) Stats() Stats {
	return Stats{
		Frame:       s.frame.Load(),
		Sessions:    int(s.nSessions.Load()),
		Active:      int(s.nActive.Load()),
		Commands:    s.commands.Load(),
		Desyncs:     s.desyncs.Load(),
		Divergences: s.divergences.Load(),
	}
}

// Peers lists the joined peers.
func (s *Server) Peers() []PeerInfo {
	var out []PeerInfo
	s.sessions.each(func(sess *Session) {
		if sess.State.live() {
			out = append(out, sess.info())
		}
	})
	return out
}

// Session resolves h; nil once the session is closed.
func (s *Server) Session(h Handle) *Session { return s.sessions.get(h) }

// Connect registers a new connection and returns its handle.
func (s *Server) Connect(conn Conn, addr string) Handle {
	frame := s.sched.Frame()
	id := s.nextClientID
	s.nextClientID++
	sess := &Session{
		conn:    conn,
		ID:      id,
		Token:   uuid.New(),
		Addr:    addr,
		Company: action.CompanySpectator,
		chat:    rate.NewLimiter(rate.Limit(s.cfg.Net.ChatPerSecond), max(s.cfg.Net.ChatBurst, 1)),
	}
	sess.stateFrame = frame
	h := s.sessions.insert(sess)
	sess.log = s.log.WithFields(logrus.Fields{"client_id": id, "token": sess.Token.String()})
	s.nSessions.Store(int32(s.sessions.len()))
	sess.log.WithField("addr", addr).Debug("connection accepted")
	return h
}

// Receive handles one encoded message from the peer behind h.
func (s *Server) Receive(h Handle, b []byte) {
	sess := s.sessions.get(h)
	if sess == nil {
		return
	}
	msg, err := protocol.Decode(b)
	if err != nil {
		s.closeSession(sess, protocol.ErrIllegalPacket, err.Error())
		return
	}
	if err := s.handle(sess, msg); err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			s.closeSession(sess, pe.Code, pe.Message)
			return
		}
		s.closeSession(sess, protocol.ErrGeneral, err.Error())
	}
}

// Drop closes the session behind h because its connection went away.
func (s *Server) Drop(h Handle, reason string) {
	if sess := s.sessions.get(h); sess != nil {
		if reason == "" {
			reason = protocol.ErrConnectionLost
		}
		s.closeSession(sess, reason, "")
	}
}

// Kick closes a client from the server side.
func (s *Server) Kick(id action.ClientID, message string) bool {
	sess := s.sessions.byClient(id)
	if sess == nil {
		return false
	}
	s.closeSession(sess, protocol.ErrKicked, message)
	return true
}

func (s *Server) handle(sess *Session, msg any) error {
	switch m := msg.(type) {
	case protocol.JoinRequestMsg:
		return s.receiveJoin(sess, m)
	case protocol.PasswordResponseMsg:
		return s.receivePassword(sess, m)
	case protocol.SnapshotRequestMsg:
		return s.receiveSnapshotRequest(sess)
	case protocol.SnapshotAckMsg:
		return s.receiveSnapshotAck(sess)
	case protocol.SubmitActionMsg:
		return s.receiveSubmit(sess, m)
	case protocol.AckMsg:
		return s.receiveAck(sess, m)
	case protocol.DesyncChecksumMsg:
		return s.receiveDesync(sess, m)
	case protocol.ChatMsg:
		return s.receiveChat(sess, m)
	case protocol.DisconnectMsg:
		s.closeSession(sess, protocol.ErrQuit, m.Message)
		return nil
	}
	return protoErr(protocol.ErrIllegalPacket, "unexpected message %T", msg)
}

// send encodes msg for one session. A peer that cannot keep up is dropped.
func (s *Server) send(sess *Session, msg any) bool {
	if sess.State == StateClosed {
		return false
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		sess.log.WithError(err).Error("encode")
		return false
	}
	if !sess.conn.Send(b) {
		s.closeSession(sess, protocol.ErrConnectionLost, "send buffer full")
		return false
	}
	return true
}

// broadcast sends msg to every joined session.
func (s *Server) broadcast(msg any) {
	s.sessions.each(func(sess *Session) {
		if sess.State.live() {
			s.send(sess, msg)
		}
	})
}

func (s *Server) notice(sess *Session, text string) {
	msg := protocol.ChatMsg{
		Type:  protocol.TypeChat,
		Scope: protocol.ChatPrivate,
		Dest:  uint32(sess.ID),
		From:  uint32(action.ServerClient),
		Name:  s.cfg.ServerName,
		Text:  text,
	}
	s.send(sess, msg)
}

func (s *Server) closeSession(sess *Session, code, message string) {
	if sess.State == StateClosed {
		return
	}
	wasLive := sess.announced
	sess.setState(StateDisconnecting, s.sched.Frame())
	if code != protocol.ErrConnectionLost {
		if b, err := protocol.Encode(protocol.DisconnectMsg{Type: protocol.TypeDisconnect, Reason: code, Message: message}); err == nil {
			sess.conn.Send(b)
		}
	}
	sess.conn.Close(code)
	sess.State = StateClosed
	sess.incoming.Clear()
	sess.outgoing = nil
	sess.stream = nil
	s.sessions.remove(sess.handle)
	s.nSessions.Store(int32(s.sessions.len()))
	s.countActive()

	fields := logrus.Fields{"reason": code}
	if message != "" {
		fields["message"] = message
	}
	sess.log.WithFields(fields).Info("client disconnected")
	s.writeAudit(AuditEntry{Event: AuditLeave, ClientID: sess.ID, Name: sess.Name, Token: sess.Token.String(), Reason: code})

	if wasLive {
		s.broadcast(protocol.PeerLeftMsg{Type: protocol.TypePeerLeft, ClientID: uint32(sess.ID), Name: sess.Name, Reason: code})
		for _, fn := range s.onLeft {
			fn(sess.info(), code)
		}
	}
}

func (s *Server) countActive() {
	n := 0
	s.sessions.each(func(sess *Session) {
		if sess.State.live() {
			n++
		}
	})
	s.nActive.Store(int32(n))
}

func (s *Server) writeAudit(e AuditEntry) {
	if s.audit == nil {
		return
	}
	if e.Frame == 0 {
		e.Frame = s.sched.Frame()
	}
	if err := s.audit.WriteAudit(e); err != nil {
		s.log.WithError(err).Warn("audit write")
	}
}

// Attach registers conn from another goroutine.
func (s *Server) Attach(ctx context.Context, conn Conn, addr string) (Handle, error) {
	req := attachReq{conn: conn, addr: addr, resp: make(chan Handle, 1)}
	select {
	case s.attach <- req:
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	case <-s.stop:
		return Handle{}, ErrServerStopped
	}
	select {
	case h := <-req.resp:
		return h, nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	case <-s.stop:
		return Handle{}, ErrServerStopped
	}
}

// Inbox takes messages read by transport goroutines. They are handled at the
// start of the next tick, in arrival order.
func (s *Server) Inbox() chan<- Inbound { return s.inbox }

// Leave takes handles whose connection has gone away.
func (s *Server) Leave() chan<- Handle { return s.leave }

// Submit queues env from another goroutine as a server-issued action.
func (s *Server) Submit(ctx context.Context, env action.Envelope) (action.Cost, error) {
	req := submitReq{env: env, resp: make(chan action.Cost, 1)}
	select {
	case s.submit <- req:
	case <-ctx.Done():
		return action.Cost{}, ctx.Err()
	case <-s.stop:
		return action.Cost{}, ErrServerStopped
	}
	select {
	case c := <-req.resp:
		return c, nil
	case <-ctx.Done():
		return action.Cost{}, ctx.Err()
	case <-s.stop:
		return action.Cost{}, ErrServerStopped
	}
}

// Run drives the server at tick_rate_hz until ctx is done or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.Net.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingIn []Inbound
	var pendingLeaves []Handle
	var pendingSubmits []submitReq

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.stop:
			s.shutdown()
			return nil
		case req := <-s.attach:
			req.resp <- s.Connect(req.conn, req.addr)
		case in := <-s.inbox:
			pendingIn = append(pendingIn, in)
		case h := <-s.leave:
			pendingLeaves = append(pendingLeaves, h)
		case req := <-s.submit:
			pendingSubmits = append(pendingSubmits, req)
		case <-ticker.C:
			for _, in := range pendingIn {
				s.Receive(in.Handle, in.Data)
			}
			for _, h := range pendingLeaves {
				s.Drop(h, protocol.ErrConnectionLost)
			}
			for _, req := range pendingSubmits {
				req.resp <- s.SubmitAction(req.env)
			}
			s.Tick()
			clear(pendingIn)
			pendingIn = pendingIn[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingSubmits = pendingSubmits[:0]
		}
	}
}

func (s *Server) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

func (s *Server) shutdown() {
	s.sessions.each(func(sess *Session) {
		s.closeSession(sess, protocol.ErrShutdown, "server shutting down")
	})
}
