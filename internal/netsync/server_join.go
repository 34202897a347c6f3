package netsync

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
	"tilesync.dev/internal/sim/world"
)

const (
	initialBatch = 4
	maxNameLen   = 32
)

// snapshotStream is the progress of one snapshot download.
type snapshotStream struct {
	blob  []byte
	frame uint32
	off   int
	seq   int
	// batch is the number of chunks sent per tick. It grows while the
	// connection keeps up and shrinks when it does not.
	batch     int
	lastBatch int
}

func (s *Server) receiveJoin(sess *Session, m protocol.JoinRequestMsg) error {
	if sess.State != StateConnecting {
		return protoErr(protocol.ErrNotExpected, "join in state %s", sess.State)
	}
	if m.ProtocolVersion != protocol.Version {
		return protoErr(protocol.ErrWrongRevision, "server speaks %s, client %s", protocol.Version, m.ProtocolVersion)
	}
	if s.joinedCount() >= s.cfg.MaxClients {
		return protoErr(protocol.ErrFull, "server is full")
	}
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = "Player"
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	inUse := false
	s.sessions.each(func(o *Session) {
		if o != sess && o.State > StateConnecting && strings.EqualFold(o.Name, name) {
			inUse = true
		}
	})
	if inUse {
		return protoErr(protocol.ErrNameInUse, "name %q is taken", name)
	}
	switch {
	case m.PlayAs == protocol.PlayAsSpectator || m.PlayAs == protocol.PlayAsNewCompany:
		sess.Company = action.CompanySpectator
	case !s.world.CompanyValid(action.CompanyID(m.PlayAs)):
		return protoErr(protocol.ErrCompanyMismatch, "company %d does not exist", m.PlayAs)
	default:
		sess.Company = action.CompanyID(m.PlayAs)
	}
	sess.Name = name
	sess.playAs = m.PlayAs
	sess.log = sess.log.WithField("name", name)

	if s.passwordHash != nil {
		sess.setState(StateAuthorizing, s.sched.Frame())
		s.send(sess, protocol.PasswordChallengeMsg{Type: protocol.TypePasswordChallenge, ServerName: s.cfg.ServerName})
		return nil
	}
	s.authenticated(sess)
	return nil
}

// joinedCount counts sessions past the handshake.
func (s *Server) joinedCount() int {
	n := 0
	s.sessions.each(func(o *Session) {
		if o.State > StateConnecting && o.State < StateDisconnecting {
			n++
		}
	})
	return n
}

func (s *Server) receivePassword(sess *Session, m protocol.PasswordResponseMsg) error {
	if sess.State != StateAuthorizing {
		return protoErr(protocol.ErrNotExpected, "password in state %s", sess.State)
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(m.Password)); err != nil {
		return protoErr(protocol.ErrWrongPassword, "")
	}
	s.authenticated(sess)
	return nil
}

func (s *Server) authenticated(sess *Session) {
	sess.setState(StateAuthenticated, s.sched.Frame())
	s.send(sess, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        uint32(sess.ID),
		ServerName:      s.cfg.ServerName,
		PauseLevel:      s.cfg.Net.PauseLevel,
	})
	s.sessions.each(func(o *Session) {
		if o.State.live() {
			s.send(sess, protocol.PeerJoinedMsg{Type: protocol.TypePeerJoined, ClientID: uint32(o.ID), Name: o.Name, Company: uint8(o.Company)})
		}
	})
}

func (s *Server) receiveSnapshotRequest(sess *Session) error {
	if sess.State != StateAuthenticated {
		return protoErr(protocol.ErrNotExpected, "snapshot request in state %s", sess.State)
	}
	sess.joinFrame = s.sched.Frame()
	sess.setState(StateAwaitingSnapshot, sess.joinFrame)
	return nil
}

func (s *Server) receiveSnapshotAck(sess *Session) error {
	if sess.State != StateSnapshotComplete {
		return protoErr(protocol.ErrNotExpected, "snapshot ack in state %s", sess.State)
	}
	frame := s.sched.Frame()
	sess.setState(StatePreActive, frame)
	sess.lastFrame = frame
	sess.lastFrameServer = frame
	sess.lastTokenFrame = frame
	s.countActive()

	s.flushOutgoing(sess)
	s.sendFrame(sess, frame)
	if seed, ok := s.seeds[s.lastSyncFrame]; ok {
		s.sendSync(sess, s.lastSyncFrame, seed)
	}

	sess.log.WithField("frame", frame).Info("client loaded snapshot")
	if sess.announced {
		return nil
	}
	sess.announced = true
	s.broadcast(protocol.PeerJoinedMsg{Type: protocol.TypePeerJoined, ClientID: uint32(sess.ID), Name: sess.Name, Company: uint8(sess.Company)})
	s.writeAudit(AuditEntry{Event: AuditJoin, ClientID: sess.ID, Name: sess.Name, Token: sess.Token.String()})
	for _, fn := range s.onJoined {
		fn(sess.info())
	}
	return nil
}

func (s *Server) receiveAck(sess *Session, m protocol.AckMsg) error {
	if resyncing(sess) {
		return nil
	}
	if !sess.State.live() {
		return protoErr(protocol.ErrNotExpected, "ack in state %s", sess.State)
	}
	frame := s.sched.Frame()
	if m.Token != 0 && m.Token == sess.token {
		sess.lastTokenFrame = frame
		sess.token = 0
	}
	sess.lastFrame = m.Frame
	sess.lastFrameServer = frame

	if sess.State == StatePreActive {
		if m.Frame+s.dayTicks < frame {
			return nil
		}
		sess.setState(StateActive, frame)
		sess.lastTokenFrame = frame
		s.countActive()
		sess.log.WithField("frame", m.Frame).Info("client active")
		s.checkPauseOnJoin()
	}
	return nil
}

// serveSnapshots starts the next download when nobody is downloading and
// tells everyone else in line where they stand.
func (s *Server) serveSnapshots(frame uint32) {
	var receiving *Session
	var waiting []*Session
	s.sessions.each(func(sess *Session) {
		switch sess.State {
		case StateReceivingSnapshot:
			receiving = sess
		case StateAwaitingSnapshot, StateWaiting:
			waiting = append(waiting, sess)
		}
	})
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].joinFrame != waiting[j].joinFrame {
			return waiting[i].joinFrame < waiting[j].joinFrame
		}
		return waiting[i].ID < waiting[j].ID
	})
	if receiving == nil && len(waiting) > 0 {
		receiving = waiting[0]
		waiting = waiting[1:]
		s.startSnapshot(receiving, frame)
	}
	for i, w := range waiting {
		pos := i + 1
		if w.State == StateWaiting && w.waitPosition == pos && frame-w.waitSentFrame < s.cfg.Net.WaitResendTicks {
			continue
		}
		w.setState(StateWaiting, frame)
		w.waitPosition = pos
		w.waitSentFrame = frame
		s.send(w, protocol.WaitQueuePositionMsg{Type: protocol.TypeWaitQueuePosition, Position: pos})
	}
	if receiving != nil && receiving.State == StateReceivingSnapshot {
		s.streamSnapshot(receiving)
	}
}

func (s *Server) startSnapshot(sess *Session, frame uint32) {
	blob, err := s.world.Serialize()
	if err != nil {
		sess.log.WithError(err).Error("serialize world")
		s.closeSession(sess, protocol.ErrGeneral, "snapshot failed")
		return
	}
	sess.stream = &snapshotStream{blob: blob, frame: frame, batch: initialBatch}
	sess.setState(StateReceivingSnapshot, frame)

	// Commands already bound to later frames are not in the snapshot.
	sess.outgoing = sess.outgoing[:0]
	for _, c := range s.sched.Pending() {
		if c.Frame > frame {
			sess.outgoing = append(sess.outgoing, s.forSession(c, sess))
		}
	}
	sess.log.WithFields(logrus.Fields{"frame": frame, "bytes": len(blob)}).Info("sending snapshot")
	s.send(sess, protocol.SnapshotChunkMsg{Type: protocol.TypeSnapshotChunk, Phase: protocol.ChunkStart, Frame: frame, Total: len(blob)})
	s.checkPauseOnJoin()
}

func (s *Server) streamSnapshot(sess *Session) {
	st := sess.stream
	if st.lastBatch > 0 {
		if sess.conn.Pending() == 0 {
			st.batch = min(st.batch*2, s.cfg.Net.SnapshotMaxBatch)
		} else if st.batch > 1 {
			st.batch /= 2
		}
	}
	st.lastBatch = 0
	chunk := s.cfg.Net.SnapshotChunkBytes
	for i := 0; i < st.batch && st.off < len(st.blob); i++ {
		end := min(st.off+chunk, len(st.blob))
		b, err := protocol.Encode(protocol.SnapshotChunkMsg{
			Type:  protocol.TypeSnapshotChunk,
			Phase: protocol.ChunkBody,
			Seq:   st.seq,
			Data:  st.blob[st.off:end],
		})
		if err != nil {
			s.closeSession(sess, protocol.ErrGeneral, err.Error())
			return
		}
		if !sess.conn.Send(b) {
			// Buffer full; the rest goes out on later ticks.
			break
		}
		st.off = end
		st.seq++
		st.lastBatch++
	}
	if st.off < len(st.blob) {
		return
	}
	if !s.send(sess, protocol.SnapshotChunkMsg{Type: protocol.TypeSnapshotChunk, Phase: protocol.ChunkEnd, Seq: st.seq}) {
		return
	}
	sess.stream = nil
	sess.setState(StateSnapshotComplete, s.sched.Frame())
}

// checkPauseOnJoin pauses the game while any peer is joining and resumes it
// once none is. The pause is an ordinary replicated action.
func (s *Server) checkPauseOnJoin() {
	joining := false
	s.sessions.each(func(sess *Session) {
		if sess.State.joining() {
			joining = true
		}
	})
	switch {
	case joining && s.cfg.Net.PauseOnJoin && !s.joinPaused:
		s.joinPaused = true
		s.queueLocal(pauseEnvelope(world.PauseJoin, true))
		s.log.Info("pausing game for join")
	case !joining && s.joinPaused:
		s.joinPaused = false
		s.queueLocal(pauseEnvelope(world.PauseJoin, false))
		s.log.Info("unpausing game after join")
	}
}

func pauseEnvelope(reason uint8, on bool) action.Envelope {
	env := action.Envelope{Kind: action.KindPause, P1: uint32(reason), Company: action.CompanySpectator}
	if on {
		env.P2 = 1
	}
	return env
}

func (s *Server) queueLocal(env action.Envelope) {
	s.localRef++
	s.arrival++
	_ = s.localWait.Push(tick.Command{Env: env, Origin: action.ServerClient, Ref: s.localRef, Seq: s.arrival})
}
